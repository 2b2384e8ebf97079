// Package api is the HTTP client for the hospital backend.
//
// Every backend response is wrapped in the same envelope:
//
//	{"success": true,  "data": {...}, "message": ""}
//	{"success": false, "data": null,  "message": "Invalid credentials"}
//
// The client decodes the envelope and translates failures into the
// apperror taxonomy so callers only ever branch on sentinels:
//
//	401, 403           → ErrUnauthorized (AuthFault)
//	404                → ErrNotFound
//	400, 422           → ErrValidation
//	409                → ErrConflict
//	5xx, transport err → ErrNetwork
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sakif/queue-companion/internal/apperror"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 1 << 20

// Client talks to the backend through two HTTP clients: public for the
// unauthenticated auth endpoints (login, register) and authed for everything
// else. authed is expected to carry the bearer token (see auth.NewClient).
type Client struct {
	baseURL string
	public  *http.Client
	authed  *http.Client
	logger  *slog.Logger
}

// New creates a Client. baseURL is the backend root, e.g. "https://queue.example.org/api".
func New(baseURL string, public, authed *http.Client, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		public:  public,
		authed:  authed,
		logger:  logger,
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// do performs one round trip and decodes the envelope's data into out (if non-nil).
// op is a short description used in error messages ("fetching queue status").
func (c *Client) do(ctx context.Context, hc *http.Client, method, path string, in, out any, op string) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("api: %s: encoding request: %w", op, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("api: %s: building request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		return c.transportError(ctx, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return apperror.Network(op, err)
	}

	var env envelope
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode < 400 {
			return fmt.Errorf("api: %s: decoding response: %w", op, err)
		}
	} else if resp.StatusCode < 400 {
		// 204 No Content and friends.
		env.Success = true
	}

	if resp.StatusCode >= 400 || !env.Success {
		return statusError(op, resp.StatusCode, env.Message)
	}

	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("api: %s: decoding data: %w", op, err)
		}
	}
	return nil
}

// transportError classifies a failure that happened before any response arrived.
func (c *Client) transportError(ctx context.Context, op string, err error) error {
	switch {
	case errors.Is(err, apperror.ErrUnauthorized):
		// The token pipeline refused to send the request (disarmed or expired).
		return fmt.Errorf("api: %s: %w", op, err)
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return fmt.Errorf("api: %s: %w", op, ctx.Err())
	default:
		c.logger.Debug("backend unreachable", slog.String("op", op), slog.String("error", err.Error()))
		return apperror.Network(op, err)
	}
}

// statusError maps an HTTP status (or a success=false envelope) to a fault.
func statusError(op string, status int, message string) error {
	msg := strings.TrimSpace(message)
	fallback := func(s string) string {
		if msg != "" {
			return msg
		}
		return s
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperror.Unauthorized(fallback("session expired, please sign in again"))
	case status == http.StatusNotFound:
		return apperror.WithMessage(apperror.ErrNotFound, fallback(op+": not found"))
	case status == http.StatusConflict:
		return apperror.WithMessage(apperror.ErrConflict, fallback(op+": rejected by server"))
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return apperror.ValidationFailed("", fallback("invalid request"))
	case status >= 500:
		return apperror.Network(op, fmt.Errorf("server returned status %d", status))
	case status >= 400:
		return apperror.WithMessage(apperror.ErrValidation, fallback(fmt.Sprintf("request failed with status %d", status)))
	}

	// 2xx with success=false: the backend reports a business failure in-band.
	if apperror.IsAuthFault(errors.New(msg)) {
		return apperror.Unauthorized(msg)
	}
	return apperror.ValidationFailed("", fallback(op+" failed"))
}
