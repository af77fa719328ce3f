// Package originx decides whether a message from another execution context
// may be trusted, based on the origin the channel attached to it.
package originx

import (
	"net/url"
	"slices"
	"strings"
)

// DefaultOrigins are the shell, auth and dashboard deployments that are
// trusted out of the box.
var DefaultOrigins = []string{
	"http://localhost:3000",
	"http://localhost:3001",
	"http://localhost:3002",
	"http://localhost:3003",
	"http://127.0.0.1:3000",
	"http://127.0.0.1:3001",
	"http://127.0.0.1:3002",
	"http://127.0.0.1:3003",
	"https://mfe-core.vercel.app",
	"https://mfe-auth-post-tech.vercel.app",
	"https://mfe-dashboard-post-tech.vercel.app",
	"https://mfe-landing-pos-tech.vercel.app",
}

// DefaultHostSuffix is the hosting platform domain whose subdomains are trusted.
const DefaultHostSuffix = "vercel.app"

// Config describes a trust set before it is frozen.
type Config struct {
	// Origins are trusted by exact string match.
	Origins []string

	// AllowLoopback trusts localhost, *.localhost and 127.0.0.1 on any port.
	AllowLoopback bool

	// HostSuffix trusts any host that is a strict subdomain of it.
	// Empty disables the rule.
	HostSuffix string
}

// TrustSet is an immutable allow-list. The zero value trusts nothing.
type TrustSet struct {
	exact    map[string]struct{}
	loopback bool
	suffix   string // normalised to ".example.com"
}

// New freezes cfg into a TrustSet. Empty origins are dropped and duplicates
// are harmless.
func New(cfg Config) *TrustSet {
	ts := &TrustSet{
		exact:    make(map[string]struct{}, len(cfg.Origins)),
		loopback: cfg.AllowLoopback,
	}
	for _, o := range cfg.Origins {
		if o = strings.TrimSpace(o); o != "" {
			ts.exact[o] = struct{}{}
		}
	}
	if s := strings.Trim(strings.ToLower(strings.TrimSpace(cfg.HostSuffix)), "."); s != "" {
		ts.suffix = "." + s
	}
	return ts
}

// Default returns the trust set used when nothing is configured, extended
// with any extra origins (typically the shell/auth/dashboard URLs from env).
func Default(extra ...string) *TrustSet {
	return New(Config{
		Origins:       append(slices.Clone(DefaultOrigins), extra...),
		AllowLoopback: true,
		HostSuffix:    DefaultHostSuffix,
	})
}

// IsTrusted reports whether messages from origin may be acted on. Rules are
// evaluated in order and the first match wins: exact match, loopback host,
// hosting suffix. Anything that does not parse as a bare http(s) origin is
// untrusted. IsTrusted never panics, including on a nil receiver.
func (ts *TrustSet) IsTrusted(origin string) bool {
	if ts == nil || origin == "" {
		return false
	}

	if _, ok := ts.exact[origin]; ok {
		return true
	}

	host, ok := originHost(origin)
	if !ok {
		return false
	}

	if ts.loopback && isLoopback(host) {
		return true
	}

	if ts.suffix != "" && strings.HasSuffix(host, ts.suffix) && len(host) > len(ts.suffix) {
		return true
	}

	return false
}

// Origins returns the exact-match list in no particular order.
func (ts *TrustSet) Origins() []string {
	if ts == nil {
		return nil
	}
	out := make([]string, 0, len(ts.exact))
	for o := range ts.exact {
		out = append(out, o)
	}
	return out
}

// originHost extracts the lower-cased hostname of a serialized origin.
// Origins carry no userinfo, path, query or fragment; values that do are
// rejected rather than guessed at.
func originHost(origin string) (string, bool) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" || (u.Path != "" && u.Path != "/") {
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", false
	}
	return host, true
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || strings.HasSuffix(host, ".localhost")
}
