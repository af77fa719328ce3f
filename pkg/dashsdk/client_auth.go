package dashsdk

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Credential returns the credential carried by r.
func (r *AuthResponse) Credential(now time.Time) Credential {
	return NewCredential(r.AccessToken, expiryFrom(now, r.ExpiresAt, r.ExpiresIn))
}

// Login exchanges email and password for a credential. The request carries
// no bearer. A 401 is reported as ErrInvalidCredentials.
func (c *Client) Login(ctx context.Context, email, password string) (*AuthResponse, error) {
	in := loginRequest{Email: email, Password: password}
	if err := c.check(in); err != nil {
		return nil, err
	}

	var out AuthResponse
	if err := c.doJSON(WithoutAuth(ctx), http.MethodPost, "/login", in, &out); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if out.AccessToken == "" {
		return nil, errors.New("login response carried no token")
	}
	return &out, nil
}

// Register creates a user and returns its first credential.
func (c *Client) Register(ctx context.Context, name, email, password string) (*AuthResponse, error) {
	in := registerRequest{Name: name, Email: email, Password: password}
	if err := c.check(in); err != nil {
		return nil, err
	}

	var out AuthResponse
	if err := c.doJSON(WithoutAuth(ctx), http.MethodPost, "/register", in, &out); err != nil {
		return nil, err
	}
	if out.AccessToken == "" {
		return nil, errors.New("register response carried no token")
	}
	return &out, nil
}

// Logout invalidates the credential on the backend. It does not touch the
// local store.
func (c *Client) Logout(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/logout", struct{}{}, nil)
}

// Me returns the profile and accounts of the authenticated user.
func (c *Client) Me(ctx context.Context) (*Profile, error) {
	var out Profile
	if err := c.doJSON(ctx, http.MethodGet, "/me", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
