/*
Package dashsdk is the client for the banking backend used by the dashboard.

# Overview

Every call goes through a Pipeline, an http.RoundTripper that owns the
session credential on the wire:

  - it reads the current Credential from a CredentialStore and attaches it as
    "Authorization: Bearer <token>";
  - when the store is empty it asks a TokenSource (the shell broker) for a
    token inline, bounded by a short timeout;
  - it applies credential rotation headers (x-new-token, x-token-expires-at)
    from successful responses;
  - on 401 it refreshes the rejected credential once and resubmits the
    request once. A second failure clears the store, tells the SessionHook,
    and surfaces ErrCredentialExpired;
  - on 422 it posts one notification per field message, and on 500 a generic
    server error notification.

Login and register do not carry a bearer and are never refreshed:

	client := dashsdk.NewClient(dashsdk.ClientConfig{
		BaseURL: "http://localhost:8000/api",
		Store:   credentials,
		Tokens:  broker,
	})

	auth, err := client.Login(ctx, "ana@example.com", "secret123")
	profile, err := client.Me(ctx)
	accounts, err := client.ListAccounts(ctx)

# Errors

Failed calls return typed errors that work with errors.Is and errors.As:

	var verr *dashsdk.ValidationError
	switch {
	case errors.Is(err, dashsdk.ErrCredentialExpired):
		// the session is gone, the state machine already knows
	case errors.As(err, &verr):
		for field, msgs := range verr.Fields { ... }
	case errors.Is(err, dashsdk.ErrServerFailure):
		// 5xx
	}
*/
package dashsdk
