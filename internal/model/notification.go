package model

import "time"

// Notification is a message pushed to the patient by the hospital.
type Notification struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
	Type      string    `json:"type"`

	// AppointmentID is a weak, lookup-only reference. It may name an
	// appointment the client has never seen.
	AppointmentID string `json:"appointment_id,omitempty"`
}
