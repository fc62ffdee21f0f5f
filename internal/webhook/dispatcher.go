package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"adgate/internal/config"
	"adgate/internal/domain"
	"adgate/internal/repo"
)

// staleClaim is how long a claim on a delivery holds before another worker
// may steal it. Covers workers that died mid-attempt.
const staleClaim = 5 * time.Minute

// Dispatcher persists delivery intents and pushes them out from a background
// worker. Enqueue never performs network I/O; attempts run on the worker's
// schedule with exponential backoff between failures.
type Dispatcher struct {
	Repo         repo.Repo
	Client       *http.Client
	Log          zerolog.Logger
	Interval     time.Duration
	MaxAttempts  int
	BaseBackoff  time.Duration
	AllowPrivate bool
	Now          func() time.Time

	stop chan struct{}
	done chan struct{}
}

func NewDispatcher(db *sql.DB, cfg *config.Config, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		Repo:         repo.Repo{DB: db},
		Client:       &http.Client{Timeout: time.Duration(cfg.Webhooks.TimeoutSeconds) * time.Second},
		Log:          log,
		Interval:     time.Duration(cfg.Webhooks.IntervalSeconds) * time.Second,
		MaxAttempts:  cfg.Webhooks.MaxAttempts,
		BaseBackoff:  time.Duration(cfg.Webhooks.BackoffSeconds) * time.Second,
		AllowPrivate: cfg.Webhooks.InsecureAllowPrivate,
		Now:          time.Now,
	}
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Enqueue records a delivery intent for a terminal-state notification. A
// destination that fails address validation is recorded as failed with zero
// attempts; nothing is ever sent to it.
func (d *Dispatcher) Enqueue(ctx context.Context, cfg domain.PushConfig, eventType string, payload map[string]any) (domain.WebhookDelivery, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.WebhookDelivery{}, fmt.Errorf("marshal webhook payload: %w", err)
	}
	now := d.now().UTC().Format(time.RFC3339)
	del := domain.WebhookDelivery{
		ID:          uuid.New().String(),
		TenantID:    cfg.TenantID,
		ConfigID:    &cfg.ID,
		URL:         cfg.URL,
		Secret:      cfg.Secret,
		AuthType:    cfg.AuthType,
		AuthToken:   cfg.AuthToken,
		EventType:   eventType,
		PayloadJSON: string(body),
		Status:      domain.DeliveryPending,
		CreatedAt:   now,
	}
	if verr := ValidateURL(cfg.URL, d.AllowPrivate); verr != nil {
		msg := verr.Error()
		del.Status = domain.DeliveryFailed
		del.LastError = &msg
		d.Log.Warn().Str("delivery_id", del.ID).Str("url", cfg.URL).Msg("webhook destination blocked")
	} else {
		del.NextAttemptAt = &now
	}
	if err := d.Repo.InsertDelivery(ctx, del); err != nil {
		return del, err
	}
	return del, nil
}

// Start launches the background delivery loop. Stop shuts it down and waits
// for the current pass to finish.
func (d *Dispatcher) Start() {
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go d.loop()
}

func (d *Dispatcher) Stop() {
	if d.stop == nil {
		return
	}
	close(d.stop)
	<-d.done
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			if _, err := d.RunDue(context.Background()); err != nil {
				d.Log.Error().Err(err).Msg("webhook delivery pass failed")
			}
		}
	}
}

// RunDue makes one pass over due deliveries and attempts each one it can
// claim. Returns the number of deliveries attempted.
func (d *Dispatcher) RunDue(ctx context.Context) (int, error) {
	now := d.now().UTC()
	due, err := d.Repo.DueDeliveries(ctx, now.Format(time.RFC3339), 50)
	if err != nil {
		return 0, err
	}
	attempted := 0
	for _, del := range due {
		ok, err := d.Repo.ClaimDelivery(ctx, del.ID, now.Format(time.RFC3339), now.Add(-staleClaim).Format(time.RFC3339))
		if err != nil {
			return attempted, err
		}
		if !ok {
			continue
		}
		d.attempt(ctx, del)
		attempted++
	}
	return attempted, nil
}

// attempt performs one HTTP delivery and records the outcome. Destination
// validation is repeated before every attempt so a hostname that started
// resolving to internal space is cut off mid-retry.
func (d *Dispatcher) attempt(ctx context.Context, del domain.WebhookDelivery) {
	now := d.now().UTC().Format(time.RFC3339)
	del.Attempts++
	del.LastAttemptAt = &now
	del.ResponseCode = nil

	if err := ValidateURL(del.URL, d.AllowPrivate); err != nil {
		msg := err.Error()
		del.Status = domain.DeliveryFailed
		del.LastError = &msg
		del.NextAttemptAt = nil
		d.record(ctx, del)
		return
	}

	code, err := d.post(ctx, del)
	if err == nil {
		del.Status = domain.DeliveryDelivered
		del.ResponseCode = &code
		del.LastError = nil
		del.NextAttemptAt = nil
		del.DeliveredAt = &now
		d.record(ctx, del)
		d.Log.Info().Str("delivery_id", del.ID).Int("attempts", del.Attempts).Msg("webhook delivered")
		return
	}

	msg := err.Error()
	del.LastError = &msg
	if code != 0 {
		del.ResponseCode = &code
	}
	if del.Attempts >= d.MaxAttempts {
		del.Status = domain.DeliveryFailed
		del.NextAttemptAt = nil
		d.record(ctx, del)
		d.Log.Warn().Str("delivery_id", del.ID).Int("attempts", del.Attempts).Str("error", msg).Msg("webhook delivery gave up")
		return
	}
	backoff := time.Duration(math.Pow(2, float64(del.Attempts-1))) * d.BaseBackoff
	next := d.now().UTC().Add(backoff).Format(time.RFC3339)
	del.NextAttemptAt = &next
	d.record(ctx, del)
	d.Log.Debug().Str("delivery_id", del.ID).Int("attempts", del.Attempts).Str("next_attempt_at", next).Msg("webhook delivery retrying")
}

func (d *Dispatcher) post(ctx context.Context, del domain.WebhookDelivery) (int, error) {
	body := []byte(del.PayloadJSON)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, del.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Adgate-Event", del.EventType)
	req.Header.Set("X-Adgate-Delivery", del.ID)
	if del.Secret != "" {
		req.Header.Set("X-Adgate-Signature", "sha256="+sign(del.Secret, body))
	}
	if del.AuthType != nil && *del.AuthType == "bearer" && del.AuthToken != nil {
		req.Header.Set("Authorization", "Bearer "+*del.AuthToken)
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (d *Dispatcher) record(ctx context.Context, del domain.WebhookDelivery) {
	if err := d.Repo.UpdateDelivery(ctx, del); err != nil {
		d.Log.Error().Err(err).Str("delivery_id", del.ID).Msg("delivery state update failed")
	}
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
