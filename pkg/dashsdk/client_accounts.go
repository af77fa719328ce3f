package dashsdk

import (
	"context"
	"fmt"
	"net/http"
)

// ListAccounts returns every account of the authenticated user.
func (c *Client) ListAccounts(ctx context.Context) ([]Account, error) {
	var out []Account
	if err := c.doJSON(ctx, http.MethodGet, "/accounts", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetAccount returns one account with its transactions.
func (c *Client) GetAccount(ctx context.Context, id int64) (*AccountDetail, error) {
	var out AccountDetail
	if err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/accounts/%d", id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateAccount opens a new account.
func (c *Client) CreateAccount(ctx context.Context, name string) (*Account, error) {
	in := accountRequest{Name: name}
	if err := c.check(in); err != nil {
		return nil, err
	}

	var out Account
	if err := c.doJSON(ctx, http.MethodPost, "/accounts", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateAccount renames an account.
func (c *Client) UpdateAccount(ctx context.Context, id int64, name string) (*Account, error) {
	in := accountRequest{Name: name}
	if err := c.check(in); err != nil {
		return nil, err
	}

	var out Account
	if err := c.doJSON(ctx, http.MethodPut, fmt.Sprintf("/accounts/%d", id), in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteAccount removes an account.
func (c *Client) DeleteAccount(ctx context.Context, id int64) error {
	return c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/accounts/%d", id), nil, nil)
}
