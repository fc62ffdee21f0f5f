package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"adgate/internal/domain"
	"adgate/internal/events"
	"adgate/internal/tools"
)

// ErrNoCapability means the message carried nothing resolvable to a
// registered capability. It yields a failed task, not a protocol error.
var ErrNoCapability = errors.New("could not determine capability from message")

// UnknownCapabilityError names a capability the message asked for explicitly
// but the registry does not carry.
type UnknownCapabilityError struct {
	Name string
}

func (e UnknownCapabilityError) Error() string {
	return fmt.Sprintf("unknown capability %q", e.Name)
}

// CreateTask records a new pending task bound to a context.
func (e Engine) CreateTask(ctx context.Context, contextID, tenantID, actorID string, pushConfigID *string) (domain.Task, error) {
	t := domain.Task{
		ID:           uuid.New().String(),
		ContextID:    contextID,
		Status:       domain.TaskPending,
		PushConfigID: pushConfigID,
		CreatedAt:    e.nowString(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.created", tenantID, "task", t.ID, actorID, nil); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// GetTask returns a task only when its context belongs to the tenant.
func (e Engine) GetTask(ctx context.Context, id, tenantID string) (domain.Task, error) {
	return e.Repo.GetTaskForTenant(ctx, id, tenantID)
}

// RunTask executes a pending task to a terminal state. Capability failures of
// any kind land in the task's error field; the returned error is reserved for
// storage faults. completed_at is set exactly once, at the terminal
// transition.
func (e Engine) RunTask(ctx context.Context, t domain.Task, tenantID, principalID string, msg domain.Message) (domain.Task, error) {
	if t.Terminal() {
		return t, fmt.Errorf("task %s already %s", t.ID, t.Status)
	}
	if err := e.markRunning(ctx, &t, tenantID, principalID); err != nil {
		return t, err
	}

	skill, args, err := e.ResolveInvocation(msg)
	if err != nil {
		return e.finalizeTask(ctx, t, tenantID, principalID, nil, err.Error())
	}

	if skill.RequiresApproval {
		return e.parkBehindApproval(ctx, t, tenantID, principalID, skill, args)
	}

	ictx, cancel := context.WithTimeout(ctx, e.Config.InvokeTimeout())
	defer cancel()
	result, err := tools.Invoke(ictx, skill, args)
	if err != nil {
		return e.finalizeTask(ctx, t, tenantID, principalID, nil, fmt.Sprintf("%s: %s", skill.ID, err.Error()))
	}
	arts, err := buildArtifacts(result)
	if err != nil {
		return e.finalizeTask(ctx, t, tenantID, principalID, nil, fmt.Sprintf("%s: unrenderable result: %s", skill.ID, err.Error()))
	}
	return e.finalizeTask(ctx, t, tenantID, principalID, arts, "")
}

// ResolveInvocation maps a message to a registered capability and its
// arguments. Resolution order: structured data part naming a tool, text part
// parsing as JSON naming a tool, then a case-insensitive scan of the text for
// capability names in registration order.
func (e Engine) ResolveInvocation(msg domain.Message) (tools.Skill, map[string]any, error) {
	for _, p := range msg.Parts {
		if p.Type != "data" || len(p.Data) == 0 {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(p.Data, &m); err != nil {
			continue
		}
		if skill, args, ok, err := e.lookupNamed(m); ok || err != nil {
			return skill, args, err
		}
	}

	var texts []string
	for _, p := range msg.Parts {
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	joined := strings.Join(texts, "\n")

	if strings.HasPrefix(strings.TrimSpace(joined), "{") {
		var m map[string]any
		if err := json.Unmarshal([]byte(joined), &m); err == nil {
			if skill, args, ok, err := e.lookupNamed(m); ok || err != nil {
				return skill, args, err
			}
		}
	}

	if skill, ok := e.Tools.MatchText(joined); ok {
		return skill, map[string]any{}, nil
	}
	return tools.Skill{}, nil, ErrNoCapability
}

// lookupNamed resolves an explicit {"tool": name, ...} invocation. The
// remaining object fields become the arguments.
func (e Engine) lookupNamed(m map[string]any) (tools.Skill, map[string]any, bool, error) {
	name, _ := m["tool"].(string)
	if name == "" {
		return tools.Skill{}, nil, false, nil
	}
	skill, ok := e.Tools.Get(name)
	if !ok {
		return tools.Skill{}, nil, true, UnknownCapabilityError{Name: name}
	}
	args := make(map[string]any, len(m))
	for k, v := range m {
		if k == "tool" {
			continue
		}
		args[k] = v
	}
	return skill, args, true, nil
}

func (e Engine) markRunning(ctx context.Context, t *domain.Task, tenantID, actorID string) error {
	t.Status = domain.TaskRunning
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTask(ctx, tx, *t); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "task.running", tenantID, "task", t.ID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// parkBehindApproval completes the task immediately with an artifact pointing
// at a human-owned workflow step instead of running the handler.
func (e Engine) parkBehindApproval(ctx context.Context, t domain.Task, tenantID, principalID string, skill tools.Skill, args map[string]any) (domain.Task, error) {
	req := map[string]any{"tool": skill.ID}
	for k, v := range args {
		req[k] = v
	}
	opts := StepCreateOptions{
		ContextID:    t.ContextID,
		StepType:     "approval",
		ToolName:     &skill.ID,
		Request:      req,
		Owner:        domain.OwnerHuman,
		PushConfigID: t.PushConfigID,
		TenantID:     tenantID,
		ActorID:      principalID,
	}
	if skill.ObjectType != "" && skill.ObjectIDArg != "" {
		if id, ok := args[skill.ObjectIDArg].(string); ok && id != "" {
			opts.Object = &ObjectRef{Type: skill.ObjectType, ID: id, Action: skill.ID}
		}
	}
	step, err := e.CreateStep(ctx, opts)
	if err != nil {
		return e.finalizeTask(ctx, t, tenantID, principalID, nil, "could not create approval step: "+err.Error())
	}
	ref := map[string]any{
		"pending_step_id": step.ID,
		"status":          step.Status,
		"tool":            skill.ID,
	}
	arts, err := buildArtifacts(ref)
	if err != nil {
		return t, err
	}
	return e.finalizeTask(ctx, t, tenantID, principalID, arts, "")
}

// finalizeTask writes the terminal transition, appends the outcome to the
// conversation history and enqueues the terminal-state webhook.
func (e Engine) finalizeTask(ctx context.Context, t domain.Task, tenantID, actorID string, artifacts []domain.Artifact, errMsg string) (domain.Task, error) {
	now := e.nowString()
	eventType := "task.completed"
	if errMsg != "" {
		t.Status = domain.TaskFailed
		t.Error = &errMsg
		eventType = "task.failed"
	} else {
		t.Status = domain.TaskCompleted
		t.Artifacts = artifacts
	}
	t.CompletedAt = &now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	payload := events.EventPayload{"status": t.Status}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	if err := e.Events.Append(ctx, tx, eventType, tenantID, "task", t.ID, actorID, payload); err != nil {
		return t, err
	}
	content := errMsg
	if errMsg == "" {
		content = renderArtifacts(artifacts)
	}
	if _, err := e.Repo.AppendContextMessage(ctx, tx, t.ContextID, "agent", content, now); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}

	e.notifyTerminal(ctx, t.PushConfigID, eventType, map[string]any{
		"taskId":    t.ID,
		"contextId": t.ContextID,
		"status":    t.Status,
	})
	e.Log.Info().Str("task_id", t.ID).Str("status", t.Status).Msg("task finalized")
	return t, nil
}

// buildArtifacts renders a handler result as one artifact: a text part with
// the JSON rendering, plus a data part when the result is a structured value.
func buildArtifacts(result any) ([]domain.Artifact, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	parts := []domain.Part{{Type: "text", Text: string(raw)}}
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		parts = append(parts, domain.Part{Type: "data", Data: json.RawMessage(raw), MimeType: "application/json"})
	}
	return []domain.Artifact{{Parts: parts}}, nil
}

func renderArtifacts(arts []domain.Artifact) string {
	var b strings.Builder
	for _, a := range arts {
		for _, p := range a.Parts {
			if p.Type == "text" && p.Text != "" {
				if b.Len() > 0 {
					b.WriteString("\n")
				}
				b.WriteString(p.Text)
			}
		}
	}
	return b.String()
}
