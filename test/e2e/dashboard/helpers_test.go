package dashboard_test

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/bankdash/pkg/msgx"
)

/*
 * Common constants and helpers for dashboard end-to-end tests. The binary is
 * built once, started with --embedded, and driven over its stdin/stdout the
 * way the shell drives it.
 */

const (
	shellOrigin = "https://shell.bank.example"
	evilOrigin  = "https://evil.example.com"
	shellToken  = "tok-e2e"
)

var binaryPath string

// TestMain builds the dashboard binary once before all tests and removes it
// after they complete.
func TestMain(m *testing.M) {
	flag.Parse()

	dir, err := os.MkdirTemp("", "dashboard-e2e")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create build dir: %v\n", err)
		os.Exit(1)
	}
	binaryPath = filepath.Join(dir, "dashboard")

	fmt.Fprintf(os.Stdout, "Building dashboard binary...")
	cmd := exec.Command("go", "build", "-o", binaryPath, "../../../cmd/dashboard")
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "\nFailed to build dashboard: %v\n", err)
		_ = os.RemoveAll(dir)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, " done\n")

	exitCode := m.Run()

	_ = os.RemoveAll(dir)
	os.Exit(exitCode)
}

// ============================================================================
// Banking API
// ============================================================================

// bankAPI serves /me to the tokens it knows and records every bearer it sees.
type bankAPI struct {
	mu      sync.Mutex
	bearers []string
	seen    chan string
}

func newBankAPI(t *testing.T) (*bankAPI, string) {
	t.Helper()
	api := &bankAPI{seen: make(chan string, 16)}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	return api, srv.URL
}

func (a *bankAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	a.mu.Lock()
	a.bearers = append(a.bearers, r.Method+" "+r.URL.Path+" "+bearer)
	a.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if r.URL.Path != "/me" || bearer != shellToken {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"Unauthenticated."}`))
		return
	}
	_, _ = w.Write([]byte(`{"user":{"id":1,"name":"Ana","email":"ana@example.com"},"accounts":[{"id":7,"name":"Main","balance":10}]}`))

	select {
	case a.seen <- bearer:
	default:
	}
}

func (a *bankAPI) requests() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.bearers...)
}

// waitForProfile blocks until /me was served to the shell token.
func (a *bankAPI) waitForProfile(t *testing.T) {
	t.Helper()
	select {
	case bearer := <-a.seen:
		require.Equal(t, shellToken, bearer)
	case <-time.After(10 * time.Second):
		t.Fatalf("profile never fetched; requests: %v", a.requests())
	}
}

// ============================================================================
// Dashboard process
// ============================================================================

type frame struct {
	Origin string       `json:"origin,omitempty"`
	Target string       `json:"target,omitempty"`
	Data   msgx.Message `json:"data"`
}

type dashboard struct {
	stdin   io.WriteCloser
	frames  chan frame
	done    chan struct{} // closed once the process has exited
	exitErr error
}

// startDashboard runs the binary embedded, configured through env.
func startDashboard(t *testing.T, apiURL string, env map[string]string) *dashboard {
	t.Helper()

	cmd := exec.Command(binaryPath, "--embedded")
	cmd.Env = append(os.Environ(),
		"DASH_API_URL="+apiURL,
		"DASH_SHELL_URL="+shellOrigin,
		"DASH_ORIGIN=https://dashboard.bank.example",
		"LOG_LEVEL=error",
	)
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	require.NoError(t, err)
	stdout, err := cmd.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, cmd.Start())

	d := &dashboard{
		stdin:  stdin,
		frames: make(chan frame, 16),
		done:   make(chan struct{}),
	}

	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			var f frame
			if json.Unmarshal(scanner.Bytes(), &f) == nil {
				d.frames <- f
			}
		}
		close(d.frames)
		d.exitErr = cmd.Wait()
		close(d.done)
	}()

	t.Cleanup(func() {
		_ = stdin.Close()
		select {
		case <-d.done:
		case <-time.After(5 * time.Second):
			_ = cmd.Process.Kill()
		}
	})
	return d
}

// send writes m to the dashboard as if it came from origin.
func (d *dashboard) send(t *testing.T, origin string, m msgx.Message) {
	t.Helper()
	line, err := json.Marshal(frame{Origin: origin, Data: m})
	require.NoError(t, err)
	_, err = d.stdin.Write(append(line, '\n'))
	require.NoError(t, err)
}

// next returns the next frame the dashboard wrote.
func (d *dashboard) next(t *testing.T) frame {
	t.Helper()
	select {
	case f, ok := <-d.frames:
		require.True(t, ok, "dashboard closed stdout")
		return f
	case <-time.After(10 * time.Second):
		t.Fatal("dashboard sent nothing")
		return frame{}
	}
}

// quiet asserts the dashboard writes nothing for wait.
func (d *dashboard) quiet(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case f, ok := <-d.frames:
		if ok {
			t.Fatalf("unexpected frame %s", f.Data.Type)
		}
	case <-time.After(wait):
	}
}

// stop closes the channel the way a departing shell does and waits for a
// clean exit.
func (d *dashboard) stop(t *testing.T) {
	t.Helper()
	require.NoError(t, d.stdin.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	frames := d.frames
	for {
		select {
		case _, ok := <-frames:
			if !ok {
				frames = nil
			}
		case <-d.done:
			require.NoError(t, d.exitErr, "dashboard should exit cleanly")
			return
		case <-ctx.Done():
			t.Fatal("dashboard did not exit")
		}
	}
}

// handshake answers the startup token request with token.
func (d *dashboard) handshake(t *testing.T, token *string) {
	t.Helper()
	req := d.next(t)
	require.Equal(t, msgx.TypeRequestToken, req.Data.Type)
	require.Equal(t, msgx.Wildcard, req.Target)
	require.Nil(t, req.Data.Token, "outbound requests carry no secret")

	d.send(t, shellOrigin, msgx.Message{
		Type:      msgx.TypeTokenResponse,
		Token:     token,
		RequestID: req.Data.RequestID,
	})
}
