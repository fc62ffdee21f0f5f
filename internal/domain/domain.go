package domain

import "encoding/json"

// Task statuses. Transitions are monotonic: pending -> running -> completed|failed.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// Workflow step statuses.
const (
	StepPending          = "pending"
	StepRequiresApproval = "requires_approval"
	StepCompleted        = "completed"
	StepFailed           = "failed"
)

// StepOwner says who is expected to resolve a workflow step.
type StepOwner string

const (
	OwnerSystem StepOwner = "system"
	OwnerHuman  StepOwner = "human"
)

func (o StepOwner) Valid() bool {
	return o == OwnerSystem || o == OwnerHuman
}

// Webhook delivery statuses.
const (
	DeliveryPending   = "pending"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

// Part is one element of a message or artifact: free text or structured data.
type Part struct {
	Type     string          `json:"type" enum:"text,data"`
	Text     string          `json:"text,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	MimeType string          `json:"mimeType,omitempty"`
}

// Artifact is a result payload attached to a terminal task.
type Artifact struct {
	Parts []Part `json:"parts"`
}

// Message is the caller-supplied conversational input of message/send.
type Message struct {
	ContextID string `json:"contextId,omitempty"`
	Role      string `json:"role,omitempty"`
	Parts     []Part `json:"parts"`
}

// Task is one protocol-level unit of work. Scoped by context (itself tenant-scoped).
type Task struct {
	ID           string     `json:"id"`
	ContextID    string     `json:"contextId"`
	Status       string     `json:"status" enum:"pending,running,completed,failed"`
	Artifacts    []Artifact `json:"artifacts"`
	Error        *string    `json:"error,omitempty"`
	PushConfigID *string    `json:"-"`
	CreatedAt    string     `json:"createdAt" format:"date-time"`
	CompletedAt  *string    `json:"completedAt,omitempty" format:"date-time"`
}

// Terminal reports whether the task has reached a terminal state.
func (t Task) Terminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskFailed
}

// Context is a durable conversation between one principal and the system.
type Context struct {
	ID             string `json:"id"`
	TenantID       string `json:"tenant_id"`
	PrincipalID    string `json:"principal_id"`
	CreatedAt      string `json:"created_at" format:"date-time"`
	LastActivityAt string `json:"last_activity_at" format:"date-time"`
}

// ContextMessage is one append-only history entry; seq reflects commit order.
type ContextMessage struct {
	ContextID string `json:"context_id"`
	Seq       int64  `json:"seq"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// WorkflowStep is an asynchronous or human-gated action standing in for
// immediate task completion.
type WorkflowStep struct {
	ID           string    `json:"id"`
	ContextID    string    `json:"context_id"`
	StepType     string    `json:"step_type"`
	ToolName     *string   `json:"tool_name,omitempty"`
	RequestJSON  string    `json:"request_json"`
	ResponseJSON *string   `json:"response_json,omitempty"`
	Status       string    `json:"status" enum:"pending,requires_approval,completed,failed"`
	Owner        StepOwner `json:"owner" enum:"system,human"`
	AssignedTo   *string   `json:"assigned_to,omitempty"`
	PushConfigID *string   `json:"-"`
	CreatedAt    string    `json:"created_at" format:"date-time"`
	CompletedAt  *string   `json:"completed_at,omitempty" format:"date-time"`
	ErrorMessage *string   `json:"error_message,omitempty"`
}

// Terminal reports whether the step has reached a terminal state.
func (s WorkflowStep) Terminal() bool {
	return s.Status == StepCompleted || s.Status == StepFailed
}

// ObjectWorkflowMapping joins a domain object (e.g. a media buy) to a step
// that touched it and the action the step represented.
type ObjectWorkflowMapping struct {
	ObjectType string `json:"object_type"`
	ObjectID   string `json:"object_id"`
	StepID     string `json:"step_id"`
	Action     string `json:"action"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// PushConfig is a caller-supplied webhook destination for terminal-state
// notifications.
type PushConfig struct {
	ID        string   `json:"id"`
	TenantID  string   `json:"tenant_id"`
	URL       string   `json:"url"`
	AuthType  *string  `json:"auth_type,omitempty"`
	AuthToken *string  `json:"-"`
	Secret    string   `json:"-"`
	Events    []string `json:"events,omitempty"`
	Active    bool     `json:"active"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

// WebhookDelivery is one delivery intent and its outcome.
type WebhookDelivery struct {
	ID            string  `json:"id"`
	TenantID      string  `json:"tenant_id"`
	ConfigID      *string `json:"config_id,omitempty"`
	URL           string  `json:"url"`
	Secret        string  `json:"-"`
	AuthType      *string `json:"-"`
	AuthToken     *string `json:"-"`
	EventType     string  `json:"event_type"`
	PayloadJSON   string  `json:"payload_json"`
	Status        string  `json:"status" enum:"pending,delivered,failed"`
	Attempts      int     `json:"attempts"`
	NextAttemptAt *string `json:"next_attempt_at,omitempty" format:"date-time"`
	LastAttemptAt *string `json:"last_attempt_at,omitempty" format:"date-time"`
	ResponseCode  *int    `json:"response_code,omitempty"`
	LastError     *string `json:"last_error,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	DeliveredAt   *string `json:"delivered_at,omitempty" format:"date-time"`
}

// APIKey maps a hashed caller key to its tenant and principal.
type APIKey struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenant_id"`
	PrincipalID string `json:"principal_id"`
	Name        string `json:"name,omitempty"`
	KeyHash     string `json:"key_hash"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Event is one append-only audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	TenantID   string `json:"tenant_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
