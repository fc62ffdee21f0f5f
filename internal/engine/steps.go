package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"adgate/internal/domain"
	"adgate/internal/events"
)

// StepStateError rejects a resolution attempt against a step that already
// reached a terminal state. The first resolution wins; later ones see this.
type StepStateError struct {
	StepID string
	Status string
}

func (e StepStateError) Error() string {
	return fmt.Sprintf("workflow step %s already %s", e.StepID, e.Status)
}

// ObjectRef binds a step to the domain object it acts on.
type ObjectRef struct {
	Type   string
	ID     string
	Action string
}

// StepCreateOptions describes a new workflow step.
type StepCreateOptions struct {
	ContextID    string
	StepType     string
	ToolName     *string
	Request      map[string]any
	Owner        domain.StepOwner
	AssignedTo   *string
	PushConfigID *string
	Object       *ObjectRef
	TenantID     string
	ActorID      string
}

// CreateStep records a new workflow step. Human-owned steps start in
// requires_approval, everything else in pending. The object mapping, when
// requested, is written in the same transaction.
func (e Engine) CreateStep(ctx context.Context, opts StepCreateOptions) (domain.WorkflowStep, error) {
	if !opts.Owner.Valid() {
		return domain.WorkflowStep{}, fmt.Errorf("invalid step owner %q", opts.Owner)
	}
	if opts.StepType == "" {
		return domain.WorkflowStep{}, errors.New("step type required")
	}
	reqJSON, err := json.Marshal(opts.Request)
	if err != nil {
		return domain.WorkflowStep{}, fmt.Errorf("marshal step request: %w", err)
	}
	status := domain.StepPending
	if opts.Owner == domain.OwnerHuman {
		status = domain.StepRequiresApproval
	}
	now := e.nowString()
	s := domain.WorkflowStep{
		ID:           uuid.New().String(),
		ContextID:    opts.ContextID,
		StepType:     opts.StepType,
		ToolName:     opts.ToolName,
		RequestJSON:  string(reqJSON),
		Status:       status,
		Owner:        opts.Owner,
		AssignedTo:   opts.AssignedTo,
		PushConfigID: opts.PushConfigID,
		CreatedAt:    now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertStep(ctx, tx, s); err != nil {
		return s, err
	}
	if opts.Object != nil {
		m := domain.ObjectWorkflowMapping{
			ObjectType: opts.Object.Type,
			ObjectID:   opts.Object.ID,
			StepID:     s.ID,
			Action:     opts.Object.Action,
			CreatedAt:  now,
		}
		if err := e.Repo.InsertObjectMapping(ctx, tx, m); err != nil {
			return s, err
		}
	}
	if err := e.Events.Append(ctx, tx, "step.created", opts.TenantID, "step", s.ID, opts.ActorID, events.EventPayload{"status": status, "owner": string(opts.Owner)}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

// ResolveStep moves a step to a terminal state. approve yields completed,
// reject yields failed. Concurrent resolutions are arbitrated by a guarded
// update: exactly one caller wins, the rest get StepStateError.
func (e Engine) ResolveStep(ctx context.Context, stepID, decision, actorID string, responseData map[string]any, errorMessage string) (domain.WorkflowStep, error) {
	var status string
	switch decision {
	case "approve":
		status = domain.StepCompleted
	case "reject":
		status = domain.StepFailed
		if errorMessage == "" {
			errorMessage = "rejected"
		}
	default:
		return domain.WorkflowStep{}, fmt.Errorf("invalid decision %q: want approve or reject", decision)
	}

	s, err := e.Repo.GetStep(ctx, stepID)
	if err != nil {
		return domain.WorkflowStep{}, err
	}
	if s.Terminal() {
		return s, StepStateError{StepID: s.ID, Status: s.Status}
	}
	c, err := e.Repo.GetContext(ctx, s.ContextID)
	if err != nil {
		return s, err
	}

	var responseJSON *string
	if responseData != nil {
		raw, err := json.Marshal(responseData)
		if err != nil {
			return s, fmt.Errorf("marshal step response: %w", err)
		}
		v := string(raw)
		responseJSON = &v
	}
	var errPtr *string
	if errorMessage != "" {
		errPtr = &errorMessage
	}
	now := e.nowString()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.ResolveStepCAS(ctx, tx, s.ID, status, responseJSON, errPtr, now)
	if err != nil {
		return s, err
	}
	if !ok {
		tx.Rollback()
		cur, gerr := e.Repo.GetStep(ctx, s.ID)
		if gerr != nil {
			return s, gerr
		}
		return cur, StepStateError{StepID: cur.ID, Status: cur.Status}
	}
	if err := e.Events.Append(ctx, tx, "step.resolved", c.TenantID, "step", s.ID, actorID, events.EventPayload{"decision": decision, "status": status}); err != nil {
		return s, err
	}
	content := fmt.Sprintf("workflow step %s %s", s.ID, status)
	if errorMessage != "" {
		content += ": " + errorMessage
	}
	if _, err := e.Repo.AppendContextMessage(ctx, tx, s.ContextID, "system", content, now); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}

	s.Status = status
	s.ResponseJSON = responseJSON
	s.ErrorMessage = errPtr
	s.CompletedAt = &now

	eventType := "step.completed"
	if status == domain.StepFailed {
		eventType = "step.failed"
	}
	e.notifyTerminal(ctx, s.PushConfigID, eventType, map[string]any{
		"stepId":    s.ID,
		"contextId": s.ContextID,
		"status":    s.Status,
	})
	e.Log.Info().Str("step_id", s.ID).Str("status", s.Status).Msg("step resolved")
	return s, nil
}

// StepForObject is one step joined to the action it performed on an object.
type StepForObject struct {
	Action string              `json:"action"`
	Step   domain.WorkflowStep `json:"step"`
}

// StepsForObject lists every step recorded against a domain object.
func (e Engine) StepsForObject(ctx context.Context, objectType, objectID string) ([]StepForObject, error) {
	mappings, steps, err := e.Repo.StepsForObject(ctx, objectType, objectID)
	if err != nil {
		return nil, err
	}
	out := make([]StepForObject, 0, len(steps))
	for i := range steps {
		out = append(out, StepForObject{Action: mappings[i].Action, Step: steps[i]})
	}
	return out, nil
}
