// Package repository declares the persistence ports of the client core.
package repository

import "context"

// Well-known credential store keys.
const (
	// KeyUser holds the JSON-serialized last-known model.User.
	KeyUser = "user"
	// DefaultTokenKey is the access-token key used when none is configured.
	DefaultTokenKey = "access_token"
)

// CredentialStore is a small key-value store that survives process restarts.
//
// The Session Manager is its only writer; the Auth Guard and anything else
// only read. Get returns an error wrapping apperror.ErrNotFound when the key
// is absent.
type CredentialStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
}
