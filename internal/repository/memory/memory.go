// Package memory is an in-process CredentialStore. It backs the ephemeral
// mode of the companion (DB_PATH=":ephemeral:") and the package tests.
package memory

import (
	"context"
	"sync"

	"github.com/sakif/queue-companion/internal/apperror"
	"github.com/sakif/queue-companion/internal/repository"
)

var _ repository.CredentialStore = (*Store)(nil)

// Store keeps credentials in a map. The zero value is not usable; call New.
type Store struct {
	mu     sync.RWMutex
	values map[string]string
	reads  int
}

func New() *Store {
	return &Store{values: make(map[string]string)}
}

func (s *Store) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	v, ok := s.values[key]
	if !ok {
		return "", apperror.NotFound("credential", key)
	}
	return v, nil
}

func (s *Store) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *Store) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.values, k)
	}
	return nil
}

// Reads returns how many Get calls the store has served.
func (s *Store) Reads() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reads
}
