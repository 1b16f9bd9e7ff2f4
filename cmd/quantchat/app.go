package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aixgo-dev/quantchat/internal/aggregator"
	"github.com/aixgo-dev/quantchat/internal/backend"
	"github.com/aixgo-dev/quantchat/internal/observability"
	"github.com/aixgo-dev/quantchat/internal/turn"
	"github.com/aixgo-dev/quantchat/pkg/chatlog"
	"github.com/aixgo-dev/quantchat/pkg/config"
	metrics "github.com/aixgo-dev/quantchat/pkg/observability"
)

// app holds the components a command works with.
type app struct {
	cfg    *config.Config
	store  chatlog.StorageBackend
	log    *chatlog.Log
	client *backend.Client
}

// newApp opens the chat log and, when needBackend is set, the analysis
// service client.
func newApp(ctx context.Context, cfg *config.Config, needBackend bool) (*app, error) {
	if needBackend {
		if err := cfg.RequireBackend(); err != nil {
			return nil, err
		}
	}

	if err := observability.Init(cfg.Observability.Tracing); err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	metrics.InitMetrics()

	storeCfg := cfg.ChatLog
	if storeCfg.Store == chatlog.StoreSQLite && storeCfg.SQLitePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		storeCfg.SQLitePath = filepath.Join(home, ".quantchat", "chat.db")
		if err := os.MkdirAll(filepath.Dir(storeCfg.SQLitePath), 0700); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	st, err := chatlog.NewBackend(ctx, storeCfg)
	if err != nil {
		return nil, fmt.Errorf("open chat log: %w", err)
	}
	l, err := chatlog.NewLog(st, cfg.Session)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	a := &app{cfg: cfg, store: st, log: l}
	if cfg.Backend.URL != "" {
		a.client, err = backend.NewClient(backend.Config{
			BaseURL:           cfg.Backend.URL,
			Timeout:           cfg.Backend.Timeout,
			RequestsPerSecond: cfg.Backend.RequestsPerSecond,
			Burst:             cfg.Backend.Burst,
		})
		if err != nil {
			_ = st.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) newSession(opts ...turn.Option) (*turn.Session, error) {
	if a.client == nil {
		return nil, a.cfg.RequireBackend()
	}
	opts = append([]turn.Option{
		turn.WithUploadConcurrency(a.cfg.Backend.UploadConcurrency),
		turn.WithVerbose(verbose),
	}, opts...)
	return turn.New(a.log, a.client, opts...)
}

// healthChecker registers the store and, if configured, the service, and
// reports on the session's log.
func (a *app) healthChecker() *metrics.HealthChecker {
	hc := metrics.NewHealthChecker()
	hc.RegisterCheck(metrics.StoreCheck(a.store.Ping))
	if a.client != nil {
		hc.RegisterCheck(metrics.BackendCheck(a.client.Ping))
	}
	hc.SetSession(func(ctx context.Context) (metrics.SessionReport, error) {
		msgs, err := a.log.Messages(ctx)
		if err != nil {
			return metrics.SessionReport{}, err
		}
		return summarizeSession(a.cfg.ChatLog.Store, a.log.SessionID(), msgs), nil
	})
	return hc
}

// summarizeSession reads the outcome of the last turn off the log. A turn
// starts with a user message; what follows it decides how it went.
func summarizeSession(store, sessionID string, msgs []*chatlog.Message) metrics.SessionReport {
	r := metrics.SessionReport{
		Store:    store,
		Session:  sessionID,
		Messages: len(msgs),
		LastTurn: metrics.TurnNone,
	}
	lastUser := -1
	for i, m := range msgs {
		if m.CompletedAt == nil {
			r.InFlight++
		}
		if m.Kind == chatlog.KindUser {
			lastUser = i
		}
	}
	if len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		at := last.CreatedAt
		if last.CompletedAt != nil {
			at = *last.CompletedAt
		}
		r.LastActivity = &at
	}
	if lastUser < 0 {
		return r
	}

	r.LastTurn = metrics.TurnPending
	for _, m := range msgs[lastUser+1:] {
		switch {
		case aggregator.IsFailureMessage(m):
			r.LastTurn = metrics.TurnFailed
		case m.CompletedAt == nil:
			if r.LastTurn != metrics.TurnFailed {
				r.LastTurn = metrics.TurnStreaming
			}
		case m.Kind == chatlog.KindAI || m.Kind.IsResult():
			if r.LastTurn == metrics.TurnPending {
				r.LastTurn = metrics.TurnAnswered
			}
		}
	}
	return r
}

func (a *app) Close() error {
	return a.store.Close()
}
