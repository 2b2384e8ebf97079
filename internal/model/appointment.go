package model

import "time"

// QueueStatus is the lifecycle state of an appointment in the hospital queue.
type QueueStatus string

const (
	StatusWaiting    QueueStatus = "waiting"
	StatusCalled     QueueStatus = "called"
	StatusInProgress QueueStatus = "in_progress"
	StatusCompleted  QueueStatus = "completed"
	StatusCancelled  QueueStatus = "cancelled"
	StatusSkipped    QueueStatus = "skipped"
)

// ParseQueueStatus maps a backend status string onto a QueueStatus.
// Unknown values become StatusWaiting so a new backend enum value never
// breaks the client.
func ParseQueueStatus(s string) QueueStatus {
	switch QueueStatus(s) {
	case StatusWaiting, StatusCalled, StatusInProgress, StatusCompleted, StatusCancelled, StatusSkipped:
		return QueueStatus(s)
	default:
		return StatusWaiting
	}
}

// Rank orders statuses along the one-directional lifecycle.
// Terminal statuses share the highest rank.
func (s QueueStatus) Rank() int {
	switch s {
	case StatusWaiting:
		return 0
	case StatusCalled:
		return 1
	case StatusInProgress:
		return 2
	default:
		return 3
	}
}

// Terminal reports whether no further transition is possible.
func (s QueueStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusSkipped
}

// Active reports whether the appointment is still being tracked in the queue.
func (s QueueStatus) Active() bool {
	return !s.Terminal()
}

// Appointment is the patient's queue snapshot for one booking.
//
// It is replaced wholesale on every refresh. The only local mutation is the
// optimistic waiting → cancelled transition.
type Appointment struct {
	ID                   string      `json:"id"`
	Status               QueueStatus `json:"status"`
	QueueNumber          int         `json:"queue_number"`
	Position             int         `json:"position"`
	TotalInQueue         int         `json:"total_in_queue"`
	DoctorName           string      `json:"doctor_name"`
	EstimatedWaitMinutes int         `json:"estimated_wait_minutes"`
	QueueIdentifier      string      `json:"queue_identifier,omitempty"`
	CreatedAt            time.Time   `json:"created_at"`
}

// Phase marks whether a locally visible value has been acknowledged by the server.
type Phase string

const (
	// PhasePending is shown immediately after an optimistic local change.
	PhasePending Phase = "pending"
	// PhaseConfirmed came from (or was acknowledged by) the server.
	PhaseConfirmed Phase = "confirmed"
)
