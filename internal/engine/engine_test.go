package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"adgate/internal/config"
	"adgate/internal/db"
	"adgate/internal/domain"
	"adgate/internal/engine"
	"adgate/internal/migrate"
	"adgate/internal/repo"
	"adgate/internal/tools"
	"adgate/internal/webhook"

	"github.com/rs/zerolog"
)

type capturedDelivery struct {
	Config    domain.PushConfig
	EventType string
	Payload   map[string]any
}

// captureNotifier records enqueued notifications without touching the network.
type captureNotifier struct {
	mu   sync.Mutex
	sent []capturedDelivery
}

func (n *captureNotifier) Enqueue(_ context.Context, cfg domain.PushConfig, eventType string, payload map[string]any) (domain.WebhookDelivery, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, capturedDelivery{Config: cfg, EventType: eventType, Payload: payload})
	return domain.WebhookDelivery{ID: "test-delivery"}, nil
}

func (n *captureNotifier) all() []capturedDelivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]capturedDelivery(nil), n.sent...)
}

type testEnv struct {
	Engine   engine.Engine
	Notifier *captureNotifier
	Ctx      context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	reg := tools.NewRegistry()
	skills := []tools.Skill{
		{
			ID:   "get_products",
			Name: "Get products",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return map[string]any{"products": []string{"ctv", "display"}}, nil
			},
		},
		{
			ID:   "echo",
			Name: "Echo",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return args, nil
			},
		},
		{
			ID:   "boom",
			Name: "Boom",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return nil, errors.New("upstream unavailable")
			},
		},
		{
			ID:               "create_media_buy",
			Name:             "Create media buy",
			RequiresApproval: true,
			ObjectType:       "media_buy",
			ObjectIDArg:      "media_buy_id",
		},
	}
	for _, s := range skills {
		if err := reg.Register(s); err != nil {
			t.Fatalf("register %s: %v", s.ID, err)
		}
	}
	eng := engine.New(conn, config.Default(), reg)
	notifier := &captureNotifier{}
	eng.Hooks = notifier
	return testEnv{Engine: eng, Notifier: notifier, Ctx: context.Background()}
}

func newContext(t *testing.T, env testEnv) domain.Context {
	t.Helper()
	c, created, err := env.Engine.GetOrCreateContext(env.Ctx, "tenant-a", "buyer-1", "")
	if err != nil || !created {
		t.Fatalf("create context: created=%v err=%v", created, err)
	}
	return c
}

func runMessage(t *testing.T, env testEnv, contextID string, msg domain.Message) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, contextID, "tenant-a", "buyer-1", nil)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	task, err = env.Engine.RunTask(env.Ctx, task, "tenant-a", "buyer-1", msg)
	if err != nil {
		t.Fatalf("run task: %v", err)
	}
	return task
}

func TestGetOrCreateContext(t *testing.T) {
	env := newTestEnv(t)
	c := newContext(t, env)

	same, created, err := env.Engine.GetOrCreateContext(env.Ctx, "tenant-a", "buyer-1", c.ID)
	if err != nil {
		t.Fatalf("get existing: %v", err)
	}
	if created || same.ID != c.ID {
		t.Fatalf("expected existing context %s, got %s created=%v", c.ID, same.ID, created)
	}

	// An unknown id creates a fresh context; the supplied id is never reused.
	fresh, created, err := env.Engine.GetOrCreateContext(env.Ctx, "tenant-a", "buyer-1", "no-such-context")
	if err != nil {
		t.Fatalf("create from unknown id: %v", err)
	}
	if !created || fresh.ID == "no-such-context" {
		t.Fatalf("expected fresh id, got %s created=%v", fresh.ID, created)
	}

	// A context is invisible to another tenant: a new one is created instead.
	other, created, err := env.Engine.GetOrCreateContext(env.Ctx, "tenant-b", "buyer-9", c.ID)
	if err != nil {
		t.Fatalf("cross-tenant lookup: %v", err)
	}
	if !created || other.ID == c.ID {
		t.Fatalf("context leaked across tenants")
	}
}

func TestConcurrentAppendsKeepEveryEntry(t *testing.T) {
	env := newTestEnv(t)
	c := newContext(t, env)

	const n = 25
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := env.Engine.AppendMessage(env.Ctx, c.ID, "user", fmt.Sprintf("entry %d", i)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("append: %v", err)
	}

	history, err := env.Engine.History(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != n {
		t.Fatalf("expected %d entries, got %d", n, len(history))
	}
	for i, m := range history {
		if m.Seq != int64(i+1) {
			t.Fatalf("entry %d has seq %d", i, m.Seq)
		}
	}
}

func TestRunTaskDataPart(t *testing.T) {
	env := newTestEnv(t)
	c := newContext(t, env)

	task := runMessage(t, env, c.ID, domain.Message{Parts: []domain.Part{
		{Type: "data", Data: []byte(`{"tool":"echo","campaign":"spring"}`)},
	}})
	if task.Status != domain.TaskCompleted {
		t.Fatalf("expected completed, got %s (err=%v)", task.Status, task.Error)
	}
	if task.CompletedAt == nil {
		t.Fatalf("completed task missing completed_at")
	}
	if len(task.Artifacts) != 1 || len(task.Artifacts[0].Parts) != 2 {
		t.Fatalf("expected one artifact with text+data parts, got %+v", task.Artifacts)
	}
	var hasText, hasData bool
	for _, p := range task.Artifacts[0].Parts {
		switch p.Type {
		case "text":
			hasText = true
		case "data":
			hasData = true
		}
	}
	if !hasText || !hasData {
		t.Fatalf("artifact parts missing text or data: %+v", task.Artifacts[0].Parts)
	}
}

func TestRunTaskTextAsJSON(t *testing.T) {
	env := newTestEnv(t)
	c := newContext(t, env)

	task := runMessage(t, env, c.ID, domain.Message{Parts: []domain.Part{
		{Type: "text", Text: `{"tool":"echo","note":"hi"}`},
	}})
	if task.Status != domain.TaskCompleted {
		t.Fatalf("expected completed, got %s (err=%v)", task.Status, task.Error)
	}
}

func TestRunTaskFreeTextMatch(t *testing.T) {
	env := newTestEnv(t)
	c := newContext(t, env)

	task := runMessage(t, env, c.ID, domain.Message{Parts: []domain.Part{
		{Type: "text", Text: "please GET_PRODUCTS for my campaign"},
	}})
	if task.Status != domain.TaskCompleted {
		t.Fatalf("expected completed, got %s (err=%v)", task.Status, task.Error)
	}
}

func TestRunTaskUnknownCapabilityFailsTask(t *testing.T) {
	env := newTestEnv(t)
	c := newContext(t, env)

	task := runMessage(t, env, c.ID, domain.Message{Parts: []domain.Part{
		{Type: "data", Data: []byte(`{"tool":"no_such_tool"}`)},
	}})
	if task.Status != domain.TaskFailed {
		t.Fatalf("expected failed, got %s", task.Status)
	}
	if task.Error == nil || task.CompletedAt == nil {
		t.Fatalf("failed task missing error or completed_at: %+v", task)
	}
}

func TestRunTaskNoResolvableCapability(t *testing.T) {
	env := newTestEnv(t)
	c := newContext(t, env)

	task := runMessage(t, env, c.ID, domain.Message{Parts: []domain.Part{
		{Type: "text", Text: "what is the weather like"},
	}})
	if task.Status != domain.TaskFailed || task.Error == nil {
		t.Fatalf("expected failed task with error, got %+v", task)
	}
}

func TestRunTaskHandlerError(t *testing.T) {
	env := newTestEnv(t)
	c := newContext(t, env)

	task := runMessage(t, env, c.ID, domain.Message{Parts: []domain.Part{
		{Type: "data", Data: []byte(`{"tool":"boom"}`)},
	}})
	if task.Status != domain.TaskFailed {
		t.Fatalf("expected failed, got %s", task.Status)
	}
	if task.Error == nil || *task.Error == "" {
		t.Fatalf("expected captured handler error")
	}
	if len(task.Artifacts) != 0 {
		t.Fatalf("failed task should carry no artifacts")
	}
}

func TestPanickingHandlerFailsTask(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.Tools.Register(tools.Skill{
		ID:   "kaboom",
		Name: "Kaboom",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			panic("nil pointer somewhere deep")
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	c := newContext(t, env)

	task := runMessage(t, env, c.ID, domain.Message{Parts: []domain.Part{
		{Type: "data", Data: []byte(`{"tool":"kaboom"}`)},
	}})
	if task.Status != domain.TaskFailed {
		t.Fatalf("expected failed, got %s", task.Status)
	}
	if task.Error == nil || task.CompletedAt == nil {
		t.Fatalf("panicking handler left task without error or completed_at: %+v", task)
	}
}

func TestFinalizeAppendsHistory(t *testing.T) {
	env := newTestEnv(t)
	c := newContext(t, env)

	runMessage(t, env, c.ID, domain.Message{Parts: []domain.Part{
		{Type: "data", Data: []byte(`{"tool":"get_products"}`)},
	}})
	history, err := env.Engine.History(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Role != "agent" {
		t.Fatalf("expected one agent entry, got %+v", history)
	}
}

func TestNotifyOnTerminal(t *testing.T) {
	env := newTestEnv(t)
	c := newContext(t, env)

	cfg, err := env.Engine.RegisterPushConfig(env.Ctx, domain.PushConfig{
		TenantID: "tenant-a",
		URL:      "https://example.com/hook",
		Secret:   "s3cret",
	})
	if err != nil {
		t.Fatalf("register push config: %v", err)
	}
	task, err := env.Engine.CreateTask(env.Ctx, c.ID, "tenant-a", "buyer-1", &cfg.ID)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := env.Engine.RunTask(env.Ctx, task, "tenant-a", "buyer-1", domain.Message{Parts: []domain.Part{
		{Type: "data", Data: []byte(`{"tool":"echo"}`)},
	}}); err != nil {
		t.Fatalf("run task: %v", err)
	}
	sent := env.Notifier.all()
	if len(sent) != 1 || sent[0].EventType != "task.completed" {
		t.Fatalf("expected one task.completed notification, got %+v", sent)
	}
	if sent[0].Payload["taskId"] != task.ID {
		t.Fatalf("notification payload missing task id: %+v", sent[0].Payload)
	}
}

func TestApprovalGate(t *testing.T) {
	env := newTestEnv(t)
	c := newContext(t, env)

	task := runMessage(t, env, c.ID, domain.Message{Parts: []domain.Part{
		{Type: "data", Data: []byte(`{"tool":"create_media_buy","media_buy_id":"mb-42","budget":5000}`)},
	}})
	if task.Status != domain.TaskCompleted {
		t.Fatalf("gated task should complete with a step reference, got %s (err=%v)", task.Status, task.Error)
	}

	steps, err := env.Engine.StepsForObject(env.Ctx, "media_buy", "mb-42")
	if err != nil {
		t.Fatalf("steps for object: %v", err)
	}
	if len(steps) != 1 {
		t.Fatalf("expected one mapped step, got %d", len(steps))
	}
	step := steps[0].Step
	if step.Status != domain.StepRequiresApproval || step.Owner != domain.OwnerHuman {
		t.Fatalf("unexpected step state: %+v", step)
	}

	resolved, err := env.Engine.ResolveStep(env.Ctx, step.ID, "approve", "admin-1", map[string]any{"po_number": "PO-1"}, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != domain.StepCompleted || resolved.CompletedAt == nil {
		t.Fatalf("unexpected resolved state: %+v", resolved)
	}
	if resolved.ResponseJSON == nil {
		t.Fatalf("expected response data on resolved step")
	}

	// The first resolution wins; any later attempt is rejected.
	_, err = env.Engine.ResolveStep(env.Ctx, step.ID, "reject", "admin-2", nil, "changed my mind")
	var stateErr engine.StepStateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("expected StepStateError, got %v", err)
	}
	again, err := env.Engine.Repo.GetStep(env.Ctx, step.ID)
	if err != nil || again.Status != domain.StepCompleted {
		t.Fatalf("resolution was not stable: %+v err=%v", again, err)
	}
}

func TestResolveStepReject(t *testing.T) {
	env := newTestEnv(t)
	c := newContext(t, env)

	step, err := env.Engine.CreateStep(env.Ctx, engine.StepCreateOptions{
		ContextID: c.ID,
		StepType:  "approval",
		Request:   map[string]any{"tool": "create_media_buy"},
		Owner:     domain.OwnerHuman,
		TenantID:  "tenant-a",
		ActorID:   "buyer-1",
	})
	if err != nil {
		t.Fatalf("create step: %v", err)
	}
	resolved, err := env.Engine.ResolveStep(env.Ctx, step.ID, "reject", "admin-1", nil, "over budget")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if resolved.Status != domain.StepFailed {
		t.Fatalf("expected failed, got %s", resolved.Status)
	}
	if resolved.ErrorMessage == nil || *resolved.ErrorMessage != "over budget" {
		t.Fatalf("expected rejection reason, got %+v", resolved.ErrorMessage)
	}
}

func TestResolveStepEnqueuesDeliveryWithoutWorker(t *testing.T) {
	// Step resolution outside the serve process still writes the delivery
	// row; an idle dispatcher enqueues without its worker running.
	env := newTestEnv(t)
	env.Engine.Hooks = webhook.NewDispatcher(env.Engine.DB, env.Engine.Config, zerolog.Nop())
	c := newContext(t, env)

	cfg, err := env.Engine.RegisterPushConfig(env.Ctx, domain.PushConfig{
		TenantID: "tenant-a",
		URL:      "https://93.184.216.34/hook",
		Secret:   "s3cret",
	})
	if err != nil {
		t.Fatalf("register push config: %v", err)
	}
	step, err := env.Engine.CreateStep(env.Ctx, engine.StepCreateOptions{
		ContextID:    c.ID,
		StepType:     "approval",
		Owner:        domain.OwnerHuman,
		PushConfigID: &cfg.ID,
		TenantID:     "tenant-a",
		ActorID:      "buyer-1",
	})
	if err != nil {
		t.Fatalf("create step: %v", err)
	}
	if _, err := env.Engine.ResolveStep(env.Ctx, step.ID, "approve", "admin-1", nil, ""); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	dels, err := env.Engine.Repo.ListDeliveries(env.Ctx, repo.DeliveryFilters{TenantID: "tenant-a"})
	if err != nil {
		t.Fatalf("list deliveries: %v", err)
	}
	if len(dels) != 1 {
		t.Fatalf("expected one delivery row, got %d", len(dels))
	}
	if dels[0].Status != domain.DeliveryPending || dels[0].EventType != "step.completed" {
		t.Fatalf("unexpected delivery: status=%s event=%s", dels[0].Status, dels[0].EventType)
	}
}

func TestResolveStepInvalidDecision(t *testing.T) {
	env := newTestEnv(t)
	c := newContext(t, env)

	step, err := env.Engine.CreateStep(env.Ctx, engine.StepCreateOptions{
		ContextID: c.ID,
		StepType:  "approval",
		Owner:     domain.OwnerHuman,
		TenantID:  "tenant-a",
		ActorID:   "buyer-1",
	})
	if err != nil {
		t.Fatalf("create step: %v", err)
	}
	if _, err := env.Engine.ResolveStep(env.Ctx, step.ID, "maybe", "admin-1", nil, ""); err == nil {
		t.Fatalf("expected invalid decision error")
	}
}

func TestInvokeTimeoutBoundsHandler(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Invoke.TimeoutSeconds = 1
	if err := env.Engine.Tools.Register(tools.Skill{
		ID:   "slow",
		Name: "Slow",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(10 * time.Second):
				return "done", nil
			}
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	c := newContext(t, env)

	start := time.Now()
	task := runMessage(t, env, c.ID, domain.Message{Parts: []domain.Part{
		{Type: "data", Data: []byte(`{"tool":"slow"}`)},
	}})
	if task.Status != domain.TaskFailed {
		t.Fatalf("expected timeout failure, got %s", task.Status)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("handler was not bounded by invoke timeout")
	}
}
