package api

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/sakif/queue-companion/internal/model"
)

// QueueStatusPayload is the backend's queue-status wire shape.
type QueueStatusPayload struct {
	AppointmentID     string    `json:"appointment_id"`
	YourNumber        int       `json:"your_number"`
	QueuePosition     int       `json:"queue_position"`
	TotalInQueue      int       `json:"total_in_queue"`
	DoctorName        string    `json:"doctor_name"`
	EstimatedWaitTime int       `json:"estimated_wait_time"`
	Status            string    `json:"status"`
	QueueIdentifier   string    `json:"queue_identifier"`
	CreatedAt         time.Time `json:"created_at"`
}

// Appointment converts the payload into the client's snapshot type.
func (p QueueStatusPayload) Appointment() model.Appointment {
	return model.Appointment{
		ID:                   p.AppointmentID,
		Status:               model.ParseQueueStatus(p.Status),
		QueueNumber:          p.YourNumber,
		Position:             p.QueuePosition,
		TotalInQueue:         p.TotalInQueue,
		DoctorName:           p.DoctorName,
		EstimatedWaitMinutes: p.EstimatedWaitTime,
		QueueIdentifier:      p.QueueIdentifier,
		CreatedAt:            p.CreatedAt,
	}
}

// GetQueueStatus fetches the live queue snapshot. An empty appointmentID asks
// the backend for the patient's current appointment.
func (c *Client) GetQueueStatus(ctx context.Context, appointmentID string) (*model.Appointment, error) {
	path := "/queue/status"
	if appointmentID != "" {
		path += "?appointment_id=" + url.QueryEscape(appointmentID)
	}

	var p QueueStatusPayload
	if err := c.do(ctx, c.authed, http.MethodGet, path, nil, &p, "fetching queue status"); err != nil {
		return nil, err
	}
	a := p.Appointment()
	if a.ID == "" {
		a.ID = appointmentID
	}
	return &a, nil
}

// GetAppointments lists the patient's appointments.
func (c *Client) GetAppointments(ctx context.Context) ([]model.Appointment, error) {
	var list []model.Appointment
	if err := c.do(ctx, c.authed, http.MethodGet, "/appointments", nil, &list, "loading appointments"); err != nil {
		return nil, err
	}
	for i := range list {
		list[i].Status = model.ParseQueueStatus(string(list[i].Status))
	}
	return list, nil
}

func (c *Client) CancelAppointment(ctx context.Context, id string) error {
	return c.do(ctx, c.authed, http.MethodPost, "/appointments/"+url.PathEscape(id)+"/cancel",
		nil, nil, "cancelling appointment")
}
