package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aussiebroadwan/bankdash/internal/dashboard/session"
	"github.com/aussiebroadwan/bankdash/internal/dashboard/shell"
	"github.com/aussiebroadwan/bankdash/internal/dashboard/store"
	"github.com/aussiebroadwan/bankdash/internal/dashboard/store/drivers/memory"
	"github.com/aussiebroadwan/bankdash/internal/dashboard/store/drivers/redis"
	"github.com/aussiebroadwan/bankdash/internal/dashboard/store/drivers/sqlite"
	"github.com/aussiebroadwan/bankdash/pkg/cryptox"
	"github.com/aussiebroadwan/bankdash/pkg/dashsdk"
	"github.com/aussiebroadwan/bankdash/pkg/msgx"
	"github.com/aussiebroadwan/bankdash/pkg/notify"
	"github.com/aussiebroadwan/bankdash/pkg/slogx"
)

const (
	// BuildVersion should be set at build time via ldflags.
	BuildVersion = "v0.1.0"
)

// Application wires the dashboard session runtime together.
type Application struct {
	cfg    Config
	logger *slog.Logger

	stdin  io.Reader
	stdout io.Writer

	// Core dependencies
	store    store.Store
	stream   *msgx.StreamChannel // nil when not embedded
	notifier notify.Notifier

	// Session
	broker      *shell.Broker
	broadcaster *shell.Broadcaster
	client      *dashsdk.Client
	machine     *session.Machine
}

// Option customises an Application.
type Option func(*Application)

// WithStdio replaces the stdin/stdout pair used to talk to the shell.
func WithStdio(r io.Reader, w io.Writer) Option {
	return func(app *Application) {
		app.stdin = r
		app.stdout = w
	}
}

// WithLogOutput redirects logs, which otherwise go to stderr.
func WithLogOutput(w io.Writer) Option {
	return func(app *Application) {
		app.logger = newLogger(app.cfg, w)
	}
}

// New creates an Application with all dependencies initialized.
func New(cfg Config, opts ...Option) (*Application, error) {
	app := &Application{
		cfg:    cfg,
		logger: newLogger(cfg, os.Stderr),
		stdin:  os.Stdin,
		stdout: os.Stdout,
	}
	for _, opt := range opts {
		opt(app)
	}
	app.notifier = notify.LogNotifier{Logger: app.logger}

	if err := app.initStore(); err != nil {
		return nil, err
	}
	app.initShell()
	app.initSession()

	return app, nil
}

func newLogger(cfg Config, w io.Writer) *slog.Logger {
	return slogx.New(slogx.Config{
		Service: "dashboard",
		Version: BuildVersion,
		Env:     cfg.Env,
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Output:  w,
	})
}

// Machine exposes the session for hosts that drive the dashboard in-process.
func (app *Application) Machine() *session.Machine { return app.machine }

// Client exposes the authenticated banking client.
func (app *Application) Client() *dashsdk.Client { return app.client }

// Run starts the session and blocks until a shutdown signal arrives or, when
// embedded, the shell closes the channel. SIGHUP retries startup from an
// Error or Unauthenticated state.
func (app *Application) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = slogx.WithContext(ctx, app.logger.With("component", "session"))

	var channelDone chan error
	if app.stream != nil {
		channelDone = make(chan error, 1)
		go func() { channelDone <- app.stream.Run(ctx) }()
	}

	states, stopWatching := app.machine.Subscribe()
	defer stopWatching()
	go app.watch(ctx, states)

	app.logger.Info("dashboard starting",
		"version", BuildVersion,
		"embedded", app.stream != nil,
		"store", app.cfg.StoreDriver,
	)

	started := make(chan error, 1)
	go func() { started <- app.machine.Start(ctx) }()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	defer signal.Stop(shutdown)
	defer signal.Stop(reload)

	for {
		select {
		case err := <-started:
			if err != nil {
				app.logger.Error("session startup failed", "error", err)
			}
			started = nil

		case <-reload:
			app.logger.Info("reload requested")
			go func() {
				if err := app.machine.Reload(ctx); err != nil {
					app.logger.Warn("reload failed", "error", err)
				}
			}()

		case err := <-channelDone:
			if err != nil {
				app.logger.Error("shell channel failed", "error", err)
			} else {
				app.logger.Info("shell closed the channel")
			}
			cancel()
			return app.Shutdown()

		case sig := <-shutdown:
			app.logger.Info("shutdown signal received", "signal", sig)
			cancel()
			return app.Shutdown()
		}
	}
}

// Shutdown releases the store. The session is left as it is: stopping the
// process is not a logout.
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down dashboard...")

	if err := app.store.Close(); err != nil {
		app.logger.Error("error closing store", "error", err)
		return err
	}

	app.logger.Info("dashboard stopped")
	return nil
}

// watch turns state changes into user-facing notifications.
func (app *Application) watch(ctx context.Context, states <-chan session.State) {
	for s := range states {
		switch s.Kind {
		case session.AcquiringToken:
			app.notifier.Notify(ctx, notify.Notification{Level: notify.LevelInfo, Message: "Loading your session..."})
		case session.Authenticated:
			if s.User != nil {
				app.notifier.Notify(ctx, notify.Notification{Level: notify.LevelSuccess, Message: "Welcome, " + s.User.Name})
			}
		case session.Unauthenticated:
			app.notifier.Notify(ctx, notify.Notification{Level: notify.LevelInfo, Message: s.Reason.Description()})
		case session.Error:
			app.notifier.Notify(ctx, notify.Notification{Level: notify.LevelError, Message: "Something went wrong. Send SIGHUP to retry."})
		}
	}
}

// initStore opens the configured session store and applies migrations.
func (app *Application) initStore() error {
	sealer, err := cryptox.LoadSealer(app.cfg.MasterKeyPath)
	if err != nil {
		return fmt.Errorf("failed to load master key: %w", err)
	}

	switch app.cfg.StoreDriver {
	case DriverSQLite:
		dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", app.cfg.DatabaseFile)
		db, err := sqlite.NewStore(dsn, sqlite.WithSealer(sealer))
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		if err := db.ApplyMigrations(); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to apply database migrations: %w", err)
		}
		app.logger.Info("database migrations applied successfully")
		app.store = db

	case DriverRedis:
		rdb, err := redis.NewStore(app.cfg.RedisURL, redis.WithSealer(sealer))
		if err != nil {
			return fmt.Errorf("failed to initialize redis store: %w", err)
		}
		if err := rdb.Ping(context.Background()); err != nil {
			_ = rdb.Close()
			return fmt.Errorf("failed to reach redis: %w", err)
		}
		app.store = rdb

	default:
		if sealer != nil {
			app.logger.Warn("master key ignored by the memory store")
		}
		app.store = memory.NewStore()
	}

	app.logger.Info("session store ready", "driver", app.cfg.StoreDriver, "sealed", sealer != nil)
	return nil
}

// initShell sets up the shell channel when embedded.
func (app *Application) initShell() {
	cfg := shell.Config{
		Trust:  app.cfg.TrustSet(),
		Logger: app.logger.With("component", "shell"),
	}
	if app.cfg.Embedded {
		app.stream = msgx.NewStreamChannel(app.stdin, app.stdout, app.cfg.Origin, app.logger.With("component", "channel"))
		cfg.Channel = app.stream
	}

	app.broker = shell.NewBroker(cfg)
	app.broadcaster = shell.NewBroadcaster(cfg)
}

// initSession builds the banking client and the state machine, and links
// the request pipeline back to the machine.
func (app *Application) initSession() {
	var tokens dashsdk.TokenSource
	if app.broker.Embedded() {
		tokens = app.broker
	}

	app.client = dashsdk.NewClient(dashsdk.ClientConfig{
		BaseURL:              app.cfg.APIBaseURL,
		Store:                app.store,
		Tokens:               tokens,
		Notifier:             app.notifier,
		Logger:               app.logger.With("component", "api"),
		Timeout:              app.cfg.HTTPTimeout,
		InlineAcquireTimeout: app.cfg.InlineAcquireTimeout,
	})

	app.machine = session.New(session.Config{
		Store:          app.store,
		Broker:         app.broker,
		Broadcaster:    app.broadcaster,
		Backend:        app.client,
		Notifier:       app.notifier,
		Logger:         app.logger.With("component", "session"),
		AcquireTimeout: app.cfg.AcquireTimeout,
	})
	app.client.SetSessionHook(app.machine)
}
