package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"adgate/internal/config"
	"adgate/internal/db"
	"adgate/internal/engine"
	"adgate/internal/migrate"
	"adgate/internal/tools"
)

func newTestGateway(t *testing.T, anonymous bool) (*httptest.Server, engine.Engine) {
	t.Helper()
	conn, err := db.Open(db.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Auth.AllowAnonymous = anonymous
	cfg.Auth.AnonymousTenant = "tenant-a"
	cfg.Auth.AnonymousPrincipal = "buyer-1"

	reg := tools.NewRegistry()
	skills := []tools.Skill{
		{
			ID:          "get_products",
			Name:        "Get products",
			Description: "List products",
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
	}
	for _, s := range skills {
		if err := reg.Register(s); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	e := engine.New(conn, cfg, reg)
	handler, err := New(Config{Engine: e, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, e
}

func postRPC(t *testing.T, srv *httptest.Server, body any) []byte {
	t.Helper()
	var reader io.Reader
	switch v := body.(type) {
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	resp, err := srv.Client().Post(srv.URL+"/v0/rpc", "application/json", reader)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return data
}

type testResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func TestParseError(t *testing.T) {
	srv, _ := newTestGateway(t, true)
	var resp testResponse
	if err := json.Unmarshal(postRPC(t, srv, `{not json`), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != -32700 {
		t.Fatalf("expected -32700, got %+v", resp.Error)
	}
}

func TestBatchMirrorsOrderAndIsolatesBadEntries(t *testing.T) {
	srv, _ := newTestGateway(t, true)
	batch := []map[string]any{
		{"jsonrpc": "2.0", "id": 1, "method": "skills/list"},
		{"jsonrpc": "1.0", "id": 2, "method": "skills/list"},
		{"jsonrpc": "2.0", "id": 3, "method": "tasks/get", "params": map[string]any{"id": "never-issued"}},
		{"jsonrpc": "2.0", "id": 4, "method": "nonexistent/method"},
	}
	var resp []testResponse
	if err := json.Unmarshal(postRPC(t, srv, batch), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp) != 4 {
		t.Fatalf("expected 4 responses, got %d", len(resp))
	}
	if string(resp[0].ID) != "1" || resp[0].Error != nil {
		t.Fatalf("entry 0: %+v", resp[0])
	}
	if resp[1].Error == nil || resp[1].Error.Code != -32600 {
		t.Fatalf("entry 1: expected -32600, got %+v", resp[1].Error)
	}
	if resp[2].Error == nil || resp[2].Error.Code != -32004 {
		t.Fatalf("entry 2: expected -32004, got %+v", resp[2].Error)
	}
	if resp[3].Error == nil || resp[3].Error.Code != -32601 {
		t.Fatalf("entry 3: expected -32601, got %+v", resp[3].Error)
	}
}

func TestSingletonResponseUnwrapped(t *testing.T) {
	srv, _ := newTestGateway(t, true)
	data := postRPC(t, srv, map[string]any{
		"jsonrpc": "2.0", "id": 7, "method": "skills/list",
	})
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("[")) {
		t.Fatalf("singleton answered with an array: %s", data)
	}
	var resp testResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	var result struct {
		Skills []struct {
			ID string `json:"id"`
		} `json:"skills"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("result: %v", err)
	}
	if len(result.Skills) != 2 || result.Skills[0].ID != "get_products" {
		t.Fatalf("unexpected skills: %+v", result.Skills)
	}
}

func sendTask(t *testing.T, srv *httptest.Server, params map[string]any) map[string]any {
	t.Helper()
	var resp testResponse
	if err := json.Unmarshal(postRPC(t, srv, map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "message/send", "params": params,
	}), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("rpc error: %+v", resp.Error)
	}
	var result struct {
		Task map[string]any `json:"task"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("result: %v", err)
	}
	return result.Task
}

func TestMessageSendTextPart(t *testing.T) {
	srv, _ := newTestGateway(t, true)
	task := sendTask(t, srv, map[string]any{
		"message": map[string]any{
			"parts": []map[string]any{{"type": "text", "text": "get_products"}},
		},
	})
	if task["status"] != "completed" {
		t.Fatalf("expected completed task, got %+v", task)
	}
	arts, ok := task["artifacts"].([]any)
	if !ok || len(arts) != 1 {
		t.Fatalf("expected one artifact, got %+v", task["artifacts"])
	}
	parts := arts[0].(map[string]any)["parts"].([]any)
	if len(parts) != 2 {
		t.Fatalf("expected text+data parts, got %+v", parts)
	}
}

func TestMessageSendCapabilityFailureIsFailedTask(t *testing.T) {
	srv, _ := newTestGateway(t, true)
	task := sendTask(t, srv, map[string]any{
		"message": map[string]any{
			"parts": []map[string]any{{"type": "text", "text": "do something unsupported"}},
		},
	})
	if task["status"] != "failed" {
		t.Fatalf("expected failed task, got %+v", task)
	}
	if task["error"] == nil || task["error"] == "" {
		t.Fatalf("failed task must carry an error")
	}
}

func TestMessageSendContinuesContext(t *testing.T) {
	srv, e := newTestGateway(t, true)
	first := sendTask(t, srv, map[string]any{
		"message": map[string]any{
			"parts": []map[string]any{{"type": "text", "text": "get_products"}},
		},
	})
	contextID, _ := first["contextId"].(string)
	if contextID == "" {
		t.Fatalf("task missing contextId: %+v", first)
	}
	second := sendTask(t, srv, map[string]any{
		"message": map[string]any{
			"contextId": contextID,
			"parts":     []map[string]any{{"type": "text", "text": "get_products again"}},
		},
	})
	if second["contextId"] != contextID {
		t.Fatalf("context not continued: %v vs %v", second["contextId"], contextID)
	}
	history, err := e.History(context.Background(), contextID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 4 {
		t.Fatalf("expected 4 history entries (user+agent twice), got %d", len(history))
	}
}

func TestTasksGetRoundTrip(t *testing.T) {
	srv, _ := newTestGateway(t, true)
	task := sendTask(t, srv, map[string]any{
		"message": map[string]any{
			"parts": []map[string]any{{"type": "text", "text": "get_products"}},
		},
	})
	var resp testResponse
	if err := json.Unmarshal(postRPC(t, srv, map[string]any{
		"jsonrpc": "2.0", "id": 2, "method": "tasks/get",
		"params": map[string]any{"id": task["id"]},
	}), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("rpc error: %+v", resp.Error)
	}
	var result struct {
		Task map[string]any `json:"task"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("result: %v", err)
	}
	if result.Task["id"] != task["id"] || result.Task["status"] != "completed" {
		t.Fatalf("tasks/get mismatch: %+v", result.Task)
	}
}

func TestDirectCapabilityCall(t *testing.T) {
	srv, _ := newTestGateway(t, true)
	var resp testResponse
	if err := json.Unmarshal(postRPC(t, srv, map[string]any{
		"jsonrpc": "2.0", "id": 9, "method": "echo",
		"params": map[string]any{"campaign": "spring"},
	}), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("rpc error: %+v", resp.Error)
	}
	var result map[string]any
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("result: %v", err)
	}
	if result["campaign"] != "spring" {
		t.Fatalf("direct call did not return raw result: %+v", result)
	}
}

func TestUnresolvedTenantBlocksAllButAllowlist(t *testing.T) {
	srv, _ := newTestGateway(t, false)
	batch := []map[string]any{
		{"jsonrpc": "2.0", "id": 1, "method": "skills/list"},
		{"jsonrpc": "2.0", "id": 2, "method": "message/send", "params": map[string]any{
			"message": map[string]any{"parts": []map[string]any{{"type": "text", "text": "get_products"}}},
		}},
		{"jsonrpc": "2.0", "id": 3, "method": "echo"},
		// An unresolved caller gets the same answer for a registered
		// capability and for a method that does not exist.
		{"jsonrpc": "2.0", "id": 4, "method": "no_such_method"},
	}
	var resp []testResponse
	if err := json.Unmarshal(postRPC(t, srv, batch), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp[0].Error != nil {
		t.Fatalf("allowlisted method blocked: %+v", resp[0].Error)
	}
	for _, r := range resp[1:] {
		if r.Error == nil || r.Error.Code != -32001 {
			t.Fatalf("expected -32001, got %+v", r.Error)
		}
	}
}

func TestHealthNoAuth(t *testing.T) {
	srv, _ := newTestGateway(t, false)
	resp, err := srv.Client().Get(srv.URL + "/v0/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", resp.StatusCode)
	}
}
