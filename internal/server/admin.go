package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"adgate/internal/domain"
	"adgate/internal/engine"
	"adgate/internal/repo"
)

type apiErrorBody struct {
	Code    string `json:"code" example:"not_found"`
	Message string `json:"message" example:"task not found"`
}

type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

func newAPIError(status int, code, message string) huma.StatusError {
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message}}
}

func requirePrincipal(ctx context.Context) (Principal, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok {
		return p, nil
	}
	return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required")
}

// registerAdmin mounts the operational REST surface next to the RPC
// endpoint: health, task and step inspection, human step resolution and the
// delivery log.
func registerAdmin(router chi.Router, basePath string, e engine.Engine) {
	hcfg := huma.DefaultConfig("Adgate API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	huma.Register(group, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Status string `json:"status" example:"ok"`
		}
	}, error) {
		resp := &struct {
			Body struct {
				Status string `json:"status" example:"ok"`
			}
		}{}
		resp.Body.Status = "ok"
		return resp, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.GetTask(ctx, input.TaskID, p.TenantID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, newAPIError(http.StatusNotFound, "not_found", "task not found")
			}
			return nil, newAPIError(http.StatusInternalServerError, "internal", err.Error())
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "get-context-messages",
		Method:      http.MethodGet,
		Path:        "/contexts/{context_id}/messages",
		Summary:     "List conversation history",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ContextID string `path:"context_id"`
	}) (*struct {
		Body struct {
			Messages []domain.ContextMessage `json:"messages"`
		}
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetContextScoped(ctx, input.ContextID, p.TenantID, p.PrincipalID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, newAPIError(http.StatusNotFound, "not_found", "context not found")
			}
			return nil, newAPIError(http.StatusInternalServerError, "internal", err.Error())
		}
		msgs, err := e.History(ctx, input.ContextID)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal", err.Error())
		}
		resp := &struct {
			Body struct {
				Messages []domain.ContextMessage `json:"messages"`
			}
		}{}
		resp.Body.Messages = msgs
		return resp, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "resolve-step",
		Method:      http.MethodPost,
		Path:        "/steps/{step_id}/resolve",
		Summary:     "Resolve a workflow step",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		StepID string `path:"step_id"`
		Body   struct {
			Decision     string         `json:"decision" enum:"approve,reject"`
			ResponseData map[string]any `json:"responseData,omitempty"`
			ErrorMessage string         `json:"errorMessage,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body domain.WorkflowStep `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.ResolveStep(ctx, input.StepID, input.Body.Decision, p.PrincipalID, input.Body.ResponseData, input.Body.ErrorMessage)
		if err != nil {
			var stateErr engine.StepStateError
			switch {
			case errors.As(err, &stateErr):
				return nil, newAPIError(http.StatusConflict, "step_already_resolved", err.Error())
			case errors.Is(err, repo.ErrNotFound):
				return nil, newAPIError(http.StatusNotFound, "not_found", "step not found")
			default:
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error())
			}
		}
		return &struct {
			Body domain.WorkflowStep `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "list-object-steps",
		Method:      http.MethodGet,
		Path:        "/objects/{object_type}/{object_id}/steps",
		Summary:     "List workflow steps recorded against an object",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ObjectType string `path:"object_type"`
		ObjectID   string `path:"object_id"`
	}) (*struct {
		Body struct {
			Steps []engine.StepForObject `json:"steps"`
		}
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		steps, err := e.StepsForObject(ctx, input.ObjectType, input.ObjectID)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal", err.Error())
		}
		resp := &struct {
			Body struct {
				Steps []engine.StepForObject `json:"steps"`
			}
		}{}
		resp.Body.Steps = steps
		return resp, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "list-deliveries",
		Method:      http.MethodGet,
		Path:        "/deliveries",
		Summary:     "List webhook deliveries",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,delivered,failed" required:"false"`
		Limit  int    `query:"limit" required:"false"`
	}) (*struct {
		Body struct {
			Deliveries []domain.WebhookDelivery `json:"deliveries"`
		}
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := input.Limit
		if limit <= 0 || limit > 200 {
			limit = 50
		}
		dels, err := e.Repo.ListDeliveries(ctx, repo.DeliveryFilters{TenantID: p.TenantID, Status: input.Status, Limit: limit})
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal", err.Error())
		}
		resp := &struct {
			Body struct {
				Deliveries []domain.WebhookDelivery `json:"deliveries"`
			}
		}{}
		resp.Body.Deliveries = dels
		return resp, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type" required:"false"`
		EntityKind string `query:"entity_kind" required:"false"`
		EntityID   string `query:"entity_id" required:"false"`
		Limit      int    `query:"limit" required:"false"`
	}) (*struct {
		Body struct {
			Events []domain.Event `json:"events"`
		}
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		evts, err := e.Repo.LatestEvents(ctx, limit, p.TenantID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal", err.Error())
		}
		resp := &struct {
			Body struct {
				Events []domain.Event `json:"events"`
			}
		}{}
		resp.Body.Events = evts
		return resp, nil
	})
}
