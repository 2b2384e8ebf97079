package queue

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sakif/queue-companion/internal/model"
)

// DefaultIndexSize is how many recently seen appointments the index keeps.
const DefaultIndexSize = 64

// AppointmentIndex remembers recently seen appointments by ID.
//
// Notifications refer to appointments weakly. The index lets the UI resolve
// such a reference without a network call; a miss simply means "unknown".
type AppointmentIndex struct {
	cache *lru.Cache[string, model.Appointment]
}

func NewAppointmentIndex(size int) (*AppointmentIndex, error) {
	if size <= 0 {
		size = DefaultIndexSize
	}
	cache, err := lru.New[string, model.Appointment](size)
	if err != nil {
		return nil, fmt.Errorf("queue: creating appointment index: %w", err)
	}
	return &AppointmentIndex{cache: cache}, nil
}

// Put records a, replacing any older copy.
func (i *AppointmentIndex) Put(a model.Appointment) {
	if a.ID == "" {
		return
	}
	i.cache.Add(a.ID, a)
}

// Lookup returns the last seen copy of the appointment.
func (i *AppointmentIndex) Lookup(id string) (model.Appointment, bool) {
	return i.cache.Get(id)
}

func (i *AppointmentIndex) Len() int {
	return i.cache.Len()
}
