package api

import (
	"context"
	"net/http"

	"github.com/sakif/queue-companion/internal/model"
)

// AuthResult is what login and register return: the profile plus the token
// the Session Manager persists and arms the pipeline with.
type AuthResult struct {
	User  *model.User `json:"user"`
	Token string      `json:"token"`
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type registerRequest struct {
	model.Registration
	Password string `json:"password"`
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

// Login exchanges a phone number (or email) and password for a token.
func (c *Client) Login(ctx context.Context, identifier, secret string) (*AuthResult, error) {
	var res AuthResult
	if err := c.do(ctx, c.public, http.MethodPost, "/auth/login",
		loginRequest{Identifier: identifier, Password: secret}, &res, "logging in"); err != nil {
		return nil, err
	}
	return &res, nil
}

// Register creates an account and signs it in.
func (c *Client) Register(ctx context.Context, reg model.Registration, secret string) (*AuthResult, error) {
	var res AuthResult
	if err := c.do(ctx, c.public, http.MethodPost, "/auth/register",
		registerRequest{Registration: reg, Password: secret}, &res, "registering"); err != nil {
		return nil, err
	}
	return &res, nil
}

// CompleteProfile applies a partial profile update and returns the stored profile.
func (c *Client) CompleteProfile(ctx context.Context, update model.ProfileUpdate) (*model.User, error) {
	var u model.User
	if err := c.do(ctx, c.authed, http.MethodPut, "/auth/profile", update, &u, "updating profile"); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetProfile fetches the current user's profile. It doubles as a token check.
func (c *Client) GetProfile(ctx context.Context) (*model.User, error) {
	var u model.User
	if err := c.do(ctx, c.authed, http.MethodGet, "/auth/profile", nil, &u, "loading profile"); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) ChangePassword(ctx context.Context, oldSecret, newSecret string) error {
	return c.do(ctx, c.authed, http.MethodPost, "/auth/change-password",
		changePasswordRequest{OldPassword: oldSecret, NewPassword: newSecret}, nil, "changing password")
}

// Logout revokes the token server-side.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, c.authed, http.MethodPost, "/auth/logout", nil, nil, "logging out")
}
