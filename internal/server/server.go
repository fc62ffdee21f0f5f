package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"adgate/internal/domain"
	"adgate/internal/engine"
	"adgate/internal/repo"
	"adgate/internal/tools"
)

// Config for the gateway HTTP handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Resolver TenantResolver
	Log      zerolog.Logger
}

type rpcHandler func(ctx context.Context, p Principal, params json.RawMessage) (any, *rpcError)

type methodEntry struct {
	handler rpcHandler
	// noAuth lets the method through without a resolved tenant.
	noAuth bool
}

type gateway struct {
	engine  engine.Engine
	log     zerolog.Logger
	methods map[string]methodEntry
}

// New returns the gateway HTTP handler: the JSON-RPC endpoint at
// {base}/rpc plus the operational REST surface.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = NewResolver(cfg.Engine.Repo, cfg.Engine.Config)
	}

	g := &gateway{engine: cfg.Engine, log: cfg.Log}
	g.methods = map[string]methodEntry{
		"message/send": {handler: g.messageSend},
		"tasks/get":    {handler: g.tasksGet},
		"skills/list":  {handler: g.skillsList, noAuth: true},
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(resolver))
	router.Post(basePath+"/rpc", g.handleRPC)
	registerAdmin(router, basePath, cfg.Engine)
	return router, nil
}

// handleRPC parses a bare request or a batch, dispatches every entry and
// mirrors the input shape in the response: arrays answer arrays, a singleton
// answers unwrapped.
func (g *gateway) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil || len(strings.TrimSpace(string(body))) == 0 {
		writeJSON(w, errResponse(nil, codeParseError, "parse error"))
		return
	}

	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var entries []json.RawMessage
		if err := json.Unmarshal(body, &entries); err != nil {
			writeJSON(w, errResponse(nil, codeParseError, "parse error"))
			return
		}
		if len(entries) == 0 {
			writeJSON(w, errResponse(nil, codeInvalidRequest, "empty batch"))
			return
		}
		writeJSON(w, g.dispatchBatch(r.Context(), entries))
		return
	}

	writeJSON(w, g.dispatchOne(r.Context(), json.RawMessage(body)))
}

// dispatchBatch runs every entry concurrently; response order matches
// request order regardless of completion order.
func (g *gateway) dispatchBatch(ctx context.Context, entries []json.RawMessage) []rpcResponse {
	out := make([]rpcResponse, len(entries))
	var wg sync.WaitGroup
	for i, raw := range entries {
		wg.Add(1)
		go func(i int, raw json.RawMessage) {
			defer wg.Done()
			out[i] = g.dispatchOne(ctx, raw)
		}(i, raw)
	}
	wg.Wait()
	return out
}

// dispatchOne validates and runs a single entry. A malformed entry fails only
// itself.
func (g *gateway) dispatchOne(ctx context.Context, raw json.RawMessage) rpcResponse {
	var req rpcRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		// Unparseable JSON is a parse error; valid JSON of the wrong
		// shape (a bare string or number) is an invalid request.
		if !json.Valid(raw) {
			return errResponse(nil, codeParseError, "parse error")
		}
		return errResponse(nil, codeInvalidRequest, "invalid request")
	}
	if !req.valid() {
		return errResponse(req.ID, codeInvalidRequest, "invalid request: jsonrpc must be \"2.0\" and method is required")
	}

	entry, known := g.methods[req.Method]
	principal, authed := principalFromContext(ctx)
	if !known {
		return g.directCall(ctx, req, principal, authed)
	}
	if !entry.noAuth && !authed {
		return errResponse(req.ID, codeUnresolved, authMessage(ctx))
	}
	result, rerr := entry.handler(ctx, principal, req.Params)
	if rerr != nil {
		return rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: rerr}
	}
	return okResponse(req.ID, result)
}

// directCall treats an unknown method name as a capability and invokes it
// one-shot, skipping the task and context layers. The capability's raw result
// rides in the RPC envelope.
func (g *gateway) directCall(ctx context.Context, req rpcRequest, principal Principal, authed bool) rpcResponse {
	// Tenant resolution comes first so an unresolved caller cannot tell a
	// registered capability apart from a method that does not exist.
	if !authed {
		return errResponse(req.ID, codeUnresolved, authMessage(ctx))
	}
	skill, ok := g.engine.Tools.Get(req.Method)
	if !ok {
		return errResponse(req.ID, codeMethodNotFound, "method not found: "+req.Method)
	}
	args := map[string]any{}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &args); err != nil {
			return errResponse(req.ID, codeInvalidParams, "params must be an object")
		}
	}
	if skill.RequiresApproval || skill.Handler == nil {
		return errResponse(req.ID, codeInternalError, skill.ID+" requires approval; invoke through message/send")
	}
	ictx, cancel := context.WithTimeout(ctx, g.engine.Config.InvokeTimeout())
	defer cancel()
	result, err := tools.Invoke(ictx, skill, args)
	if err != nil {
		return errResponse(req.ID, codeInternalError, skill.ID+": "+err.Error())
	}
	return okResponse(req.ID, result)
}

type sendParams struct {
	Message          domain.Message `json:"message"`
	PushNotification *pushParams    `json:"pushNotification,omitempty"`
}

type pushParams struct {
	URL      string   `json:"url"`
	AuthType string   `json:"authType,omitempty"`
	Token    string   `json:"token,omitempty"`
	Secret   string   `json:"secret,omitempty"`
	Events   []string `json:"events,omitempty"`
}

// messageSend is the conversational flow: resolve or create the context,
// record the inbound message, then run one task to a terminal state. The task
// is always returned in the result channel; capability failures show up as a
// failed task, not an RPC error.
func (g *gateway) messageSend(ctx context.Context, p Principal, params json.RawMessage) (any, *rpcError) {
	var in sendParams
	if len(params) == 0 {
		return nil, &rpcError{Code: codeInvalidParams, Message: "params required"}
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return nil, &rpcError{Code: codeInvalidParams, Message: "invalid params: " + err.Error()}
	}
	if len(in.Message.Parts) == 0 {
		return nil, &rpcError{Code: codeInvalidParams, Message: "message.parts is required"}
	}

	c, _, err := g.engine.GetOrCreateContext(ctx, p.TenantID, p.PrincipalID, in.Message.ContextID)
	if err != nil {
		return nil, internalError(err)
	}

	var pushConfigID *string
	if in.PushNotification != nil && in.PushNotification.URL != "" {
		cfg := domain.PushConfig{
			TenantID: p.TenantID,
			URL:      in.PushNotification.URL,
			Secret:   in.PushNotification.Secret,
			Events:   in.PushNotification.Events,
		}
		if in.PushNotification.AuthType != "" {
			cfg.AuthType = &in.PushNotification.AuthType
		}
		if in.PushNotification.Token != "" {
			cfg.AuthToken = &in.PushNotification.Token
		}
		stored, err := g.engine.RegisterPushConfig(ctx, cfg)
		if err != nil {
			return nil, internalError(err)
		}
		pushConfigID = &stored.ID
	}

	task, err := g.engine.CreateTask(ctx, c.ID, p.TenantID, p.PrincipalID, pushConfigID)
	if err != nil {
		return nil, internalError(err)
	}

	role := in.Message.Role
	if role == "" {
		role = "user"
	}
	if _, err := g.engine.AppendMessage(ctx, c.ID, role, renderInbound(in.Message)); err != nil {
		return nil, internalError(err)
	}

	task, err = g.engine.RunTask(ctx, task, p.TenantID, p.PrincipalID, in.Message)
	if err != nil {
		return nil, internalError(err)
	}
	return map[string]any{"task": task}, nil
}

func (g *gateway) tasksGet(ctx context.Context, p Principal, params json.RawMessage) (any, *rpcError) {
	var in struct {
		ID string `json:"id"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &in); err != nil {
			return nil, &rpcError{Code: codeInvalidParams, Message: "invalid params: " + err.Error()}
		}
	}
	if in.ID == "" {
		return nil, &rpcError{Code: codeInvalidParams, Message: "id is required"}
	}
	task, err := g.engine.GetTask(ctx, in.ID, p.TenantID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, &rpcError{Code: codeTaskNotFound, Message: "task not found: " + in.ID}
		}
		return nil, internalError(err)
	}
	return map[string]any{"task": task}, nil
}

func (g *gateway) skillsList(ctx context.Context, _ Principal, _ json.RawMessage) (any, *rpcError) {
	type skillInfo struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
	}
	skills := g.engine.Tools.List()
	out := make([]skillInfo, 0, len(skills))
	for _, s := range skills {
		out = append(out, skillInfo{ID: s.ID, Name: s.Name, Description: s.Description})
	}
	return map[string]any{"skills": out}, nil
}

// renderInbound flattens the caller message into one history entry.
func renderInbound(msg domain.Message) string {
	var texts []string
	for _, p := range msg.Parts {
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	if len(texts) > 0 {
		return strings.Join(texts, "\n")
	}
	raw, err := json.Marshal(msg.Parts)
	if err != nil {
		return ""
	}
	return string(raw)
}

func authMessage(ctx context.Context) string {
	if err := authFailure(ctx); err != nil {
		return "tenant could not be resolved: " + err.Error()
	}
	return "tenant could not be resolved"
}

func internalError(err error) *rpcError {
	return &rpcError{Code: codeInternalError, Message: err.Error()}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are gone at this point; nothing left to do.
		return
	}
}
