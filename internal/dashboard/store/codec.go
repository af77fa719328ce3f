package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aussiebroadwan/bankdash/pkg/cryptox"
	"github.com/aussiebroadwan/bankdash/pkg/dashsdk"
)

// Record is the at-rest form of a credential as durable drivers keep it.
type Record struct {
	Token     string // sealed when a Sealer is configured
	ExpiresAt string
}

// Codec converts between credentials and their at-rest form. A nil Sealer
// stores tokens as is.
type Codec struct {
	Sealer *cryptox.Sealer
}

// EncodeCredential prepares c for storage.
func (cd Codec) EncodeCredential(c dashsdk.Credential) (Record, error) {
	if c.Token == "" {
		return Record{}, nil
	}
	sealed, err := cd.Sealer.Seal(c.Token)
	if err != nil {
		return Record{}, fmt.Errorf("failed to seal token: %w", err)
	}
	return Record{Token: sealed, ExpiresAt: FormatExpiry(c.ExpiresAt)}, nil
}

// DecodeCredential reverses EncodeCredential. An empty record decodes to the
// zero Credential.
func (cd Codec) DecodeCredential(r Record) (dashsdk.Credential, error) {
	if r.Token == "" {
		return dashsdk.Credential{}, nil
	}
	token, err := cd.Sealer.Open(r.Token)
	if err != nil {
		return dashsdk.Credential{}, errors.Join(ErrCorrupt, err)
	}
	exp, err := ParseExpiry(r.ExpiresAt)
	if err != nil {
		return dashsdk.Credential{}, err
	}
	return dashsdk.Credential{Token: token, ExpiresAt: exp}, nil
}

// EncodeUser serialises a profile for the user_data key.
func EncodeUser(u dashsdk.User) (string, error) {
	raw, err := json.Marshal(u)
	if err != nil {
		return "", fmt.Errorf("failed to encode user: %w", err)
	}
	return string(raw), nil
}

// DecodeUser reverses EncodeUser. An empty value decodes to nil.
func DecodeUser(s string) (*dashsdk.User, error) {
	if s == "" {
		return nil, nil
	}
	var u dashsdk.User
	if err := json.Unmarshal([]byte(s), &u); err != nil {
		return nil, errors.Join(ErrCorrupt, err)
	}
	return &u, nil
}
