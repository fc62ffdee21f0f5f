package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"adgate/internal/config"
	"adgate/internal/domain"
	"adgate/internal/events"
	"adgate/internal/repo"
	"adgate/internal/tools"
)

// Notifier enqueues a terminal-state webhook delivery. Enqueue must return
// without performing network I/O.
type Notifier interface {
	Enqueue(ctx context.Context, cfg domain.PushConfig, eventType string, payload map[string]any) (domain.WebhookDelivery, error)
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Tools  *tools.Registry
	Hooks  Notifier
	Config *config.Config
	Log    zerolog.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, reg *tools.Registry) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Tools:  reg,
		Config: cfg,
		Log:    zerolog.Nop(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

// GetOrCreateContext returns the context with the given id when it exists for
// this tenant/principal, and otherwise creates a new one under a fresh id. A
// supplied id is never reused for a new row, so an existing id can never be
// shadowed by a duplicate.
func (e Engine) GetOrCreateContext(ctx context.Context, tenantID, principalID, contextID string) (domain.Context, bool, error) {
	if tenantID == "" || principalID == "" {
		return domain.Context{}, false, errors.New("tenant and principal required")
	}
	if contextID != "" {
		c, err := e.Repo.GetContextScoped(ctx, contextID, tenantID, principalID)
		if err == nil {
			return c, false, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.Context{}, false, err
		}
	}
	now := e.nowString()
	c := domain.Context{
		ID:             uuid.New().String(),
		TenantID:       tenantID,
		PrincipalID:    principalID,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Context{}, false, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertContext(ctx, tx, c); err != nil {
		return domain.Context{}, false, err
	}
	if err := e.Events.Append(ctx, tx, "context.created", tenantID, "context", c.ID, principalID, nil); err != nil {
		return domain.Context{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Context{}, false, err
	}
	return c, true, nil
}

// AppendMessage adds one history entry. Appends to the same context are
// serialized by the storage transaction; the returned sequence number reflects
// commit order.
func (e Engine) AppendMessage(ctx context.Context, contextID, role, content string) (int64, error) {
	if role == "" {
		return 0, errors.New("role required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	seq, err := e.Repo.AppendContextMessage(ctx, tx, contextID, role, content, e.nowString())
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return seq, nil
}

// History returns the full conversation history, oldest first.
func (e Engine) History(ctx context.Context, contextID string) ([]domain.ContextMessage, error) {
	return e.Repo.ListContextMessages(ctx, contextID)
}

// notifyTerminal enqueues a webhook delivery for a terminal transition when
// the originating request registered a push destination. Best effort: a
// failed enqueue is logged, never propagated to the caller's response.
func (e Engine) notifyTerminal(ctx context.Context, pushConfigID *string, eventType string, payload map[string]any) {
	if e.Hooks == nil || pushConfigID == nil {
		return
	}
	cfg, err := e.Repo.GetPushConfig(ctx, *pushConfigID)
	if err != nil {
		e.Log.Warn().Err(err).Str("config_id", *pushConfigID).Msg("push config lookup failed")
		return
	}
	if !cfg.Active {
		return
	}
	if len(cfg.Events) > 0 && !containsEvent(cfg.Events, eventType) {
		return
	}
	if _, err := e.Hooks.Enqueue(ctx, cfg, eventType, payload); err != nil {
		e.Log.Warn().Err(err).Str("event_type", eventType).Msg("webhook enqueue failed")
	}
}

func containsEvent(events []string, evt string) bool {
	for _, e := range events {
		if e == evt {
			return true
		}
	}
	return false
}

// RegisterPushConfig persists a caller-supplied webhook destination.
func (e Engine) RegisterPushConfig(ctx context.Context, cfg domain.PushConfig) (domain.PushConfig, error) {
	if cfg.URL == "" {
		return cfg, errors.New("url required")
	}
	cfg.ID = uuid.New().String()
	cfg.Active = true
	cfg.CreatedAt = e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return cfg, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertPushConfig(ctx, tx, cfg); err != nil {
		return cfg, err
	}
	if err := tx.Commit(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
