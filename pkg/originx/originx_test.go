package originx_test

import (
	"testing"

	"github.com/aussiebroadwan/bankdash/pkg/originx"
	"github.com/stretchr/testify/require"
)

func TestIsTrusted(t *testing.T) {
	t.Parallel()

	ts := originx.Default("https://shell.bank.example")

	trusted := []string{
		"https://shell.bank.example",
		"https://mfe-core.vercel.app",
		"http://localhost:3000",
		"http://localhost:9999",
		"http://localhost",
		"https://app.localhost:8443",
		"http://127.0.0.1:5173",
		"https://preview-123.vercel.app",
		"https://a.b.vercel.app",
		"https://MFE-Preview.Vercel.App",
	}
	for _, o := range trusted {
		require.True(t, ts.IsTrusted(o), "expected %q to be trusted", o)
	}

	untrusted := []string{
		"",
		"null",
		"*",
		"https://evil.example.com",
		"https://vercel.app",
		"https://evilvercel.app",
		"https://vercel.app.evil.com",
		"https://preview.vercel.app.evil.com",
		"https://localhost.evil.com",
		"https://127.0.0.1.evil.com",
		"https://localhost@evil.com",
		"ftp://localhost",
		"https://shell.bank.example/path",
		"https://shell.bank.example.evil.com",
		"localhost:3000",
		"://broken",
		"http://%zz",
	}
	for _, o := range untrusted {
		require.False(t, ts.IsTrusted(o), "expected %q to be untrusted", o)
	}
}

func TestSuffixNoSubstringLeakage(t *testing.T) {
	t.Parallel()

	ts := originx.New(originx.Config{HostSuffix: ".vercel.app"})
	for _, tail := range []string{".evil.com", "x", "-evil.net", ".app", "/"} {
		origin := "https://mfe.vercel.app" + tail
		if tail == "/" {
			// a trailing slash keeps the host intact
			require.True(t, ts.IsTrusted(origin))
			continue
		}
		require.False(t, ts.IsTrusted(origin), "origin %q must not be trusted", origin)
	}
}

func TestRulesAreIndependent(t *testing.T) {
	t.Parallel()

	t.Run("exact only", func(t *testing.T) {
		ts := originx.New(originx.Config{Origins: []string{"https://shell.example"}})
		require.True(t, ts.IsTrusted("https://shell.example"))
		require.False(t, ts.IsTrusted("http://localhost:3000"))
		require.False(t, ts.IsTrusted("https://x.vercel.app"))
	})

	t.Run("loopback only", func(t *testing.T) {
		ts := originx.New(originx.Config{AllowLoopback: true})
		require.True(t, ts.IsTrusted("http://localhost:1234"))
		require.False(t, ts.IsTrusted("https://x.vercel.app"))
	})

	t.Run("exact match is by string", func(t *testing.T) {
		ts := originx.New(originx.Config{Origins: []string{"https://shell.example"}})
		require.False(t, ts.IsTrusted("https://shell.example:443"))
		require.False(t, ts.IsTrusted("HTTPS://shell.example"))
	})
}

func TestZeroAndNilTrustNothing(t *testing.T) {
	t.Parallel()

	var nilSet *originx.TrustSet
	require.False(t, nilSet.IsTrusted("http://localhost:3000"))
	require.False(t, (&originx.TrustSet{}).IsTrusted("http://localhost:3000"))
	require.Nil(t, nilSet.Origins())
}
