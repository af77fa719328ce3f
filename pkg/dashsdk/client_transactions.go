package dashsdk

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// CreateTransaction records a transaction on an account.
func (c *Client) CreateTransaction(ctx context.Context, accountID int64, in TransactionInput) (*Transaction, error) {
	if err := c.check(in); err != nil {
		return nil, err
	}

	var out Transaction
	path := fmt.Sprintf("/accounts/%d/transactions", accountID)
	if err := c.doJSON(ctx, http.MethodPost, path, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateTransaction replaces a transaction.
func (c *Client) UpdateTransaction(ctx context.Context, id int64, in TransactionInput) (*Transaction, error) {
	if err := c.check(in); err != nil {
		return nil, err
	}

	var out Transaction
	if err := c.doJSON(ctx, http.MethodPut, fmt.Sprintf("/transactions/%d", id), in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteTransaction removes a transaction.
func (c *Client) DeleteTransaction(ctx context.Context, id int64) error {
	return c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/transactions/%d", id), nil, nil)
}

// SearchTransactions finds transactions of an account by subtype. The query
// must be at least four characters.
func (c *Client) SearchTransactions(ctx context.Context, accountID int64, query string) ([]Transaction, error) {
	if err := c.check(searchRequest{Query: query}); err != nil {
		return nil, err
	}

	var out searchResponse
	path := fmt.Sprintf("/accounts/%d/transactions/search?q=%s", accountID, url.QueryEscape(query))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Transactions, nil
}
