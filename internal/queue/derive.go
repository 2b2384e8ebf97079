package queue

import (
	"fmt"
	"time"

	"github.com/sakif/queue-companion/internal/model"
)

// Everything in this file is a pure function of a snapshot and a clock.
// Nothing here is stored; the UI recomputes it on every read.

// FormatPosition renders a queue position as an English ordinal.
// Numbers ending in 11, 12 or 13 always take "th". Non-positive positions
// render as "-".
func FormatPosition(n int) string {
	if n <= 0 {
		return "-"
	}
	suffix := "th"
	switch n % 100 {
	case 11, 12, 13:
	default:
		switch n % 10 {
		case 1:
			suffix = "st"
		case 2:
			suffix = "nd"
		case 3:
			suffix = "rd"
		}
	}
	return fmt.Sprintf("%d%s", n, suffix)
}

// Progress is the fraction of the queue already served ahead of the patient,
// in [0, 1]. An empty queue reports 0.
func Progress(totalInQueue, position int) float64 {
	if totalInQueue <= 0 {
		return 0
	}
	f := float64(totalInQueue-position) / float64(totalInQueue)
	return min(1, max(0, f))
}

// ETA is the wall-clock time the patient should expect to be seen.
func ETA(now time.Time, estimatedWaitMinutes int) time.Time {
	return now.Add(time.Duration(max(0, estimatedWaitMinutes)) * time.Minute)
}

// FormatWait renders an estimated wait for display.
func FormatWait(minutes int) string {
	switch {
	case minutes <= 0:
		return "any moment now"
	case minutes < 60:
		return fmt.Sprintf("about %d min", minutes)
	case minutes%60 == 0:
		return fmt.Sprintf("about %d h", minutes/60)
	default:
		return fmt.Sprintf("about %d h %d min", minutes/60, minutes%60)
	}
}

// Elapsed is the whole minutes since createdAt. Clock skew never makes it negative.
func Elapsed(createdAt, now time.Time) time.Duration {
	if createdAt.IsZero() || now.Before(createdAt) {
		return 0
	}
	return now.Sub(createdAt).Truncate(time.Minute)
}

// FormatElapsed renders an Elapsed duration.
func FormatElapsed(d time.Duration) string {
	m := int(d / time.Minute)
	switch {
	case m < 1:
		return "just now"
	case m < 60:
		return fmt.Sprintf("%d min ago", m)
	case m%60 == 0:
		return fmt.Sprintf("%d h ago", m/60)
	default:
		return fmt.Sprintf("%d h %d min ago", m/60, m%60)
	}
}

var statusLabels = map[model.QueueStatus]string{
	model.StatusWaiting:    "Waiting",
	model.StatusCalled:     "You have been called",
	model.StatusInProgress: "In consultation",
	model.StatusCompleted:  "Completed",
	model.StatusCancelled:  "Cancelled",
	model.StatusSkipped:    "Skipped",
}

// StatusLabel maps a status to its display text. Unrecognized statuses get
// the waiting label.
func StatusLabel(status string) string {
	if label, ok := statusLabels[model.QueueStatus(status)]; ok {
		return label
	}
	return statusLabels[model.StatusWaiting]
}

// Display is a snapshot together with every derived field, ready to render.
type Display struct {
	Appointment model.Appointment `json:"appointment"`
	Phase       model.Phase       `json:"phase"`
	Ordinal     string            `json:"ordinal"`
	Progress    float64           `json:"progress"`
	ETA         time.Time         `json:"eta"`
	Wait        string            `json:"wait"`
	Elapsed     string            `json:"elapsed"`
	StatusLabel string            `json:"status_label"`
}

// Describe derives the display fields of a at now.
func Describe(a model.Appointment, phase model.Phase, now time.Time) Display {
	return Display{
		Appointment: a,
		Phase:       phase,
		Ordinal:     FormatPosition(a.Position),
		Progress:    Progress(a.TotalInQueue, a.Position),
		ETA:         ETA(now, a.EstimatedWaitMinutes),
		Wait:        FormatWait(a.EstimatedWaitMinutes),
		Elapsed:     FormatElapsed(Elapsed(a.CreatedAt, now)),
		StatusLabel: StatusLabel(string(a.Status)),
	}
}
