// Package model defines the data structures shared by the client core.
// JSON tags follow the backend's snake_case wire format, so the same structs
// are decoded from API responses and persisted in the credential store.
package model

import (
	"strings"
	"time"
)

// User is the authenticated patient's profile.
//
// Only the Session Manager creates or replaces a User; every other component
// reads it. Optional profile fields are pointers or empty strings: a patient
// can register with just a name and phone number and complete the rest later.
type User struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Phone            string     `json:"phone"`
	Email            string     `json:"email,omitempty"`
	DateOfBirth      *time.Time `json:"date_of_birth,omitempty"`
	Gender           string     `json:"gender,omitempty"`
	Address          string     `json:"address,omitempty"`
	ProfileCompleted bool       `json:"profile_completed"`
}

// DisplayName returns the name to greet the patient with.
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	if name := strings.TrimSpace(u.Name); name != "" {
		return name
	}
	return u.Phone
}

// Apply returns a copy of u with the non-nil fields of p applied.
func (u User) Apply(p ProfileUpdate) User {
	if p.Name != nil {
		u.Name = *p.Name
	}
	if p.Email != nil {
		u.Email = *p.Email
	}
	if p.DateOfBirth != nil {
		dob := *p.DateOfBirth
		u.DateOfBirth = &dob
	}
	if p.Gender != nil {
		u.Gender = *p.Gender
	}
	if p.Address != nil {
		u.Address = *p.Address
	}
	return u
}

// ProfileUpdate is a partial profile change. Nil fields are left unchanged.
type ProfileUpdate struct {
	Name        *string    `json:"name,omitempty"`
	Email       *string    `json:"email,omitempty"`
	DateOfBirth *time.Time `json:"date_of_birth,omitempty"`
	Gender      *string    `json:"gender,omitempty"`
	Address     *string    `json:"address,omitempty"`
}

// Empty reports whether the update changes nothing.
func (p ProfileUpdate) Empty() bool {
	return p.Name == nil && p.Email == nil && p.DateOfBirth == nil && p.Gender == nil && p.Address == nil
}

// Registration holds the profile submitted when creating an account.
// The secret travels separately and is never stored on the struct.
type Registration struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email,omitempty"`
}
