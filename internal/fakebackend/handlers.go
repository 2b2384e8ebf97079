package fakebackend

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/queue-companion/internal/model"
)

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Success: true, Data: data}); err != nil {
		slog.Error("fakebackend: encoding response", slog.String("error", err.Error()))
	}
}

func writeFailure(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Message: message})
}

func decode(r *http.Request, v any) bool {
	return json.NewDecoder(r.Body).Decode(v) == nil
}

// authenticate resolves the bearer token to a user ID.
func (b *Backend) authenticate(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	tok, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || tok == "" {
		return "", false
	}
	sub, err := b.tokens.Validate(tok)
	if err != nil {
		return "", false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	owner, live := b.issued[tok]
	return sub, live && owner == sub
}

type authPayload struct {
	User  model.User `json:"user"`
	Token string     `json:"token"`
}

func (b *Backend) handleLogin(w http.ResponseWriter, r *http.Request, _ string) {
	var req struct {
		Identifier string `json:"identifier"`
		Password   string `json:"password"`
	}
	if !decode(r, &req) {
		writeFailure(w, http.StatusBadRequest, "invalid request body")
		return
	}

	b.mu.Lock()
	acc, ok := b.accounts[b.byIdentifier[req.Identifier]]
	b.mu.Unlock()
	if !ok || b.passwords.Verify(acc.passwordHash, req.Password) != nil {
		writeFailure(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	tok, err := b.IssueToken(acc.user.ID)
	if err != nil {
		writeFailure(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	writeJSON(w, http.StatusOK, authPayload{User: acc.user, Token: tok})
}

func (b *Backend) handleRegister(w http.ResponseWriter, r *http.Request, _ string) {
	var req struct {
		model.Registration
		Password string `json:"password"`
	}
	if !decode(r, &req) || req.Phone == "" || req.Name == "" {
		writeFailure(w, http.StatusBadRequest, "name and phone are required")
		return
	}

	b.mu.Lock()
	_, taken := b.byIdentifier[req.Phone]
	b.mu.Unlock()
	if taken {
		writeFailure(w, http.StatusConflict, "phone number already registered")
		return
	}

	u, err := b.AddUser(req.Name, req.Phone, req.Password)
	if err != nil {
		writeFailure(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Email != "" {
		b.mu.Lock()
		b.accounts[u.ID].user.Email = req.Email
		b.byIdentifier[req.Email] = u.ID
		u = b.accounts[u.ID].user
		b.mu.Unlock()
	}

	tok, err := b.IssueToken(u.ID)
	if err != nil {
		writeFailure(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	writeJSON(w, http.StatusCreated, authPayload{User: u, Token: tok})
}

func (b *Backend) handleGetProfile(w http.ResponseWriter, _ *http.Request, userID string) {
	b.mu.Lock()
	acc, ok := b.accounts[userID]
	b.mu.Unlock()
	if !ok {
		writeFailure(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, acc.user)
}

func (b *Backend) handleUpdateProfile(w http.ResponseWriter, r *http.Request, userID string) {
	var upd model.ProfileUpdate
	if !decode(r, &upd) {
		writeFailure(w, http.StatusBadRequest, "invalid request body")
		return
	}

	b.mu.Lock()
	acc, ok := b.accounts[userID]
	if ok {
		acc.user = acc.user.Apply(upd)
		acc.user.ProfileCompleted = acc.user.Email != "" && acc.user.DateOfBirth != nil && acc.user.Gender != ""
	}
	var u model.User
	if ok {
		u = acc.user
	}
	b.mu.Unlock()

	if !ok {
		writeFailure(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (b *Backend) handleChangePassword(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if !decode(r, &req) {
		writeFailure(w, http.StatusBadRequest, "invalid request body")
		return
	}

	b.mu.Lock()
	acc := b.accounts[userID]
	b.mu.Unlock()
	if acc == nil || b.passwords.Verify(acc.passwordHash, req.OldPassword) != nil {
		writeFailure(w, http.StatusUnprocessableEntity, "current password is incorrect")
		return
	}
	hash, err := b.passwords.Hash(req.NewPassword)
	if err != nil {
		writeFailure(w, http.StatusBadRequest, err.Error())
		return
	}
	b.mu.Lock()
	acc.passwordHash = hash
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, nil)
}

func (b *Backend) handleLogout(w http.ResponseWriter, r *http.Request, _ string) {
	tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	b.mu.Lock()
	delete(b.issued, tok)
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, nil)
}

type queueStatusPayload struct {
	AppointmentID     string `json:"appointment_id"`
	YourNumber        int    `json:"your_number"`
	QueuePosition     int    `json:"queue_position"`
	TotalInQueue      int    `json:"total_in_queue"`
	DoctorName        string `json:"doctor_name"`
	EstimatedWaitTime int    `json:"estimated_wait_time"`
	Status            string `json:"status"`
	QueueIdentifier   string `json:"queue_identifier"`
	CreatedAt         string `json:"created_at"`
}

func (b *Backend) handleQueueStatus(w http.ResponseWriter, r *http.Request, userID string) {
	id := r.URL.Query().Get("appointment_id")

	b.mu.Lock()
	var found *model.Appointment
	if id != "" {
		if b.apptOwner[id] == userID {
			found = b.appointments[id]
		}
	} else {
		for aid, owner := range b.apptOwner {
			if a := b.appointments[aid]; owner == userID && a.Status.Active() {
				found = a
				break
			}
		}
	}
	var a model.Appointment
	if found != nil {
		a = *found
	}
	b.mu.Unlock()

	if found == nil {
		writeFailure(w, http.StatusNotFound, "appointment not found")
		return
	}
	writeJSON(w, http.StatusOK, queueStatusPayload{
		AppointmentID:     a.ID,
		YourNumber:        a.QueueNumber,
		QueuePosition:     a.Position,
		TotalInQueue:      a.TotalInQueue,
		DoctorName:        a.DoctorName,
		EstimatedWaitTime: a.EstimatedWaitMinutes,
		Status:            string(a.Status),
		QueueIdentifier:   a.QueueIdentifier,
		CreatedAt:         a.CreatedAt.Format(time.RFC3339),
	})
}

func (b *Backend) handleAppointments(w http.ResponseWriter, _ *http.Request, userID string) {
	b.mu.Lock()
	out := []model.Appointment{}
	for id, owner := range b.apptOwner {
		if owner == userID {
			out = append(out, *b.appointments[id])
		}
	}
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (b *Backend) handleCancel(w http.ResponseWriter, r *http.Request, userID string) {
	id := chi.URLParam(r, "id")

	b.mu.Lock()
	a, ok := b.appointments[id]
	owned := ok && b.apptOwner[id] == userID
	var status model.QueueStatus
	if owned {
		status = a.Status
		if status == model.StatusWaiting || status == model.StatusCalled {
			a.Status = model.StatusCancelled
		}
	}
	b.mu.Unlock()

	switch {
	case !owned:
		writeFailure(w, http.StatusNotFound, "appointment not found")
	case status != model.StatusWaiting && status != model.StatusCalled:
		writeFailure(w, http.StatusConflict, "appointment can no longer be cancelled")
	default:
		writeJSON(w, http.StatusOK, nil)
	}
}

func (b *Backend) handleNotifications(w http.ResponseWriter, _ *http.Request, userID string) {
	writeJSON(w, http.StatusOK, b.Notifications(userID))
}

func (b *Backend) handleMarkRead(w http.ResponseWriter, r *http.Request, userID string) {
	id := chi.URLParam(r, "id")
	b.mu.Lock()
	found := false
	for i := range b.notifications[userID] {
		if b.notifications[userID][i].ID == id {
			b.notifications[userID][i].Read = true
			found = true
		}
	}
	b.mu.Unlock()

	if !found {
		writeFailure(w, http.StatusNotFound, "notification not found")
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (b *Backend) handleDeleteNotification(w http.ResponseWriter, r *http.Request, userID string) {
	id := chi.URLParam(r, "id")
	b.mu.Lock()
	list := b.notifications[userID]
	kept := list[:0:0]
	for _, n := range list {
		if n.ID != id {
			kept = append(kept, n)
		}
	}
	found := len(kept) != len(list)
	b.notifications[userID] = kept
	b.mu.Unlock()

	if !found {
		writeFailure(w, http.StatusNotFound, "notification not found")
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (b *Backend) handleDeleteAll(w http.ResponseWriter, _ *http.Request, userID string) {
	b.mu.Lock()
	delete(b.notifications, userID)
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, nil)
}
