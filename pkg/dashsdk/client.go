package dashsdk

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"gopkg.in/go-playground/validator.v9"

	"github.com/aussiebroadwan/bankdash/pkg/clock"
	"github.com/aussiebroadwan/bankdash/pkg/notify"
	"github.com/aussiebroadwan/bankdash/pkg/slogx"
)

// ClientConfig wires a Client. BaseURL and Store are required.
type ClientConfig struct {
	BaseURL string

	Store    CredentialStore
	Tokens   TokenSource
	Notifier notify.Notifier
	Logger   *slog.Logger
	Clock    clock.Clock

	// Timeout bounds each HTTP call, refresh and resubmission included.
	// Default: 10s.
	Timeout time.Duration

	// InlineAcquireTimeout bounds the shell round trip made when a request
	// finds no cached credential. Default: 2s.
	InlineAcquireTimeout time.Duration

	// Transport sends requests once the pipeline has prepared them.
	// Nil uses http.DefaultTransport.
	Transport http.RoundTripper
}

// Client is the banking backend client. Every call goes through Pipeline.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Pipeline   *Pipeline

	clock    clock.Clock
	validate *validator.Validate
}

// NewClient builds a Client from cfg.
func NewClient(cfg ClientConfig) *Client {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	pipeline := NewPipeline(PipelineConfig{
		Base:                 &slogx.Transport{Base: cfg.Transport, Logger: cfg.Logger},
		Store:                cfg.Store,
		Tokens:               cfg.Tokens,
		Notifier:             cfg.Notifier,
		Logger:               cfg.Logger,
		Clock:                clk,
		RefreshURL:           baseURL + "/refresh",
		InlineAcquireTimeout: cfg.InlineAcquireTimeout,
		RefreshTimeout:       timeout,
	})

	return &Client{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout:   timeout,
			Transport: pipeline,
		},
		Pipeline: pipeline,
		clock:    clk,
		validate: newValidator(),
	}
}

// SetSessionHook forwards to the pipeline.
func (c *Client) SetSessionHook(h SessionHook) {
	c.Pipeline.SetSessionHook(h)
}
