package session

import "github.com/sakif/queue-companion/internal/model"

// Status is the coarse session state machine:
//
//	initializing ─┬─► authenticated ◄──┐
//	              └─► unauthenticated ◄┘  (logout / invalidation / login)
type Status string

const (
	StatusInitializing    Status = "initializing"
	StatusAuthenticated   Status = "authenticated"
	StatusUnauthenticated Status = "unauthenticated"
)

// State is an immutable snapshot of the session.
//
// Loading is true only while at least one Manager operation is in flight.
// Error is cleared when any operation starts and on ClearError.
type State struct {
	User    *model.User `json:"user"`
	Loading bool        `json:"loading"`
	Error   string      `json:"error,omitempty"`
	Status  Status      `json:"status"`

	inflight int
}

// IsAuthenticated is derived from "user present".
func (s State) IsAuthenticated() bool {
	return s.User != nil
}

type actionKind int

const (
	actionStart actionKind = iota
	actionSucceeded
	actionFailed
	actionLoggedOut
	actionInvalidated
	actionErrorCleared
	actionRestored
)

func (k actionKind) String() string {
	switch k {
	case actionStart:
		return "start"
	case actionSucceeded:
		return "succeeded"
	case actionFailed:
		return "failed"
	case actionLoggedOut:
		return "logged_out"
	case actionInvalidated:
		return "invalidated"
	case actionErrorCleared:
		return "error_cleared"
	case actionRestored:
		return "restored"
	default:
		return "unknown"
	}
}

type action struct {
	kind    actionKind
	user    *model.User
	message string
}

// reduce is the only place session state changes. It is pure.
func reduce(s State, a action) State {
	switch a.kind {
	case actionStart:
		s.inflight++
		s.Error = ""

	case actionSucceeded:
		s.inflight = max(0, s.inflight-1)
		s.Error = ""
		if a.user != nil {
			s.User = a.user
		}
		if s.User != nil {
			s.Status = StatusAuthenticated
		}

	case actionFailed:
		s.inflight = max(0, s.inflight-1)
		s.Error = a.message
		if s.User == nil {
			s.Status = StatusUnauthenticated
		}

	case actionLoggedOut:
		s.inflight = max(0, s.inflight-1)
		s.User = nil
		s.Error = ""
		s.Status = StatusUnauthenticated

	case actionInvalidated:
		if s.User == nil && s.Status != StatusInitializing {
			return s
		}
		s.User = nil
		s.Error = a.message
		s.Status = StatusUnauthenticated

	case actionErrorCleared:
		s.Error = ""

	case actionRestored:
		s.User = a.user
		if a.user != nil {
			s.Status = StatusAuthenticated
		} else {
			s.Status = StatusUnauthenticated
		}
	}

	s.Loading = s.inflight > 0
	return s
}
