package session

import (
	"fmt"

	"github.com/aussiebroadwan/bankdash/pkg/dashsdk"
)

// Kind tags the variant held by a State.
type Kind int

const (
	Uninitialized Kind = iota
	AcquiringToken
	Authenticated
	Unauthenticated
	Error
)

func (k Kind) String() string {
	switch k {
	case Uninitialized:
		return "uninitialized"
	case AcquiringToken:
		return "acquiring_token"
	case Authenticated:
		return "authenticated"
	case Unauthenticated:
		return "unauthenticated"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Reason explains an Unauthenticated state.
type Reason string

const (
	ReasonNoParentContext   Reason = "no_parent_context"
	ReasonTokenTimeout      Reason = "token_timeout"
	ReasonNoSession         Reason = "no_session"
	ReasonFetchFailed       Reason = "fetch_failed"
	ReasonCredentialExpired Reason = "credential_expired"
	ReasonLoggedOut         Reason = "logged_out"
)

// Description is the text shown to the user.
func (r Reason) Description() string {
	switch r {
	case ReasonNoParentContext:
		return "The dashboard is not running inside the banking shell."
	case ReasonTokenTimeout:
		return "The banking shell did not answer in time."
	case ReasonNoSession:
		return "You are not logged in."
	case ReasonFetchFailed:
		return "Your profile could not be loaded."
	case ReasonCredentialExpired:
		return dashsdk.SessionExpiredMessage
	case ReasonLoggedOut:
		return "You have been logged out."
	default:
		return string(r)
	}
}

// State is the session as observed at one instant. Only the fields of the
// current Kind are set: User and Accounts for Authenticated, Reason for
// Unauthenticated, Message for Error.
type State struct {
	Kind     Kind
	User     *dashsdk.User
	Accounts []dashsdk.Account
	Reason   Reason
	Message  string
}

func (s State) String() string {
	switch s.Kind {
	case Authenticated:
		if s.User != nil {
			return fmt.Sprintf("authenticated(user=%d, accounts=%d)", s.User.ID, len(s.Accounts))
		}
		return "authenticated"
	case Unauthenticated:
		return fmt.Sprintf("unauthenticated(%s)", s.Reason)
	case Error:
		return fmt.Sprintf("error(%s)", s.Message)
	default:
		return s.Kind.String()
	}
}

func authenticated(p *dashsdk.Profile) State {
	u := p.User
	return State{Kind: Authenticated, User: &u, Accounts: p.Accounts}
}

func unauthenticated(r Reason) State {
	return State{Kind: Unauthenticated, Reason: r}
}
