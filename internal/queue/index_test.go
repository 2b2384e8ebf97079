package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/queue-companion/internal/model"
)

func TestAppointmentIndex(t *testing.T) {
	idx, err := NewAppointmentIndex(2)
	require.NoError(t, err)

	idx.Put(model.Appointment{ID: "a"})
	idx.Put(model.Appointment{ID: "b", Position: 4})
	idx.Put(model.Appointment{ID: ""})

	_, ok := idx.Lookup("a") // touch a so b is evicted next
	assert.True(t, ok)

	idx.Put(model.Appointment{ID: "c"})
	assert.Equal(t, 2, idx.Len())

	_, ok = idx.Lookup("b")
	assert.False(t, ok, "least recently used entry is evicted")

	idx.Put(model.Appointment{ID: "a", Position: 9})
	got, ok := idx.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, 9, got.Position, "newer copy replaces the older one")
}
