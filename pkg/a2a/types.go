// Package a2a defines the wire-level types of the Agent-to-Agent protocol:
// the JSON-RPC envelope, the agent capability card, and the parameter and
// result shapes of every protocol method.
package a2a

import "time"

// ProtocolVersion is the A2A protocol version this implementation speaks.
const ProtocolVersion = "1.0"

// WellKnownCardPath is the conventional discovery path for agent cards.
const WellKnownCardPath = "/.well-known/agent.json"

// PaymentHeader carries the signed payment proof on a retried request.
const PaymentHeader = "X-Payment"

// AgentIDHeader lets a caller identify itself for rate limiting purposes.
const AgentIDHeader = "X-Agent-ID"

// ============================================================================
// AGENT CARD - Agent Discovery & Capability Advertisement
// ============================================================================

// AgentCard represents an A2A agent's capabilities and metadata.
// This is the agent's "business card" that other agents discover.
type AgentCard struct {
	Name            string            `json:"name"`
	Description     string            `json:"description"`
	URL             string            `json:"url"`
	ProtocolVersion string            `json:"protocolVersion"`
	Skills          []AgentSkill      `json:"skills,omitempty"`
	Capabilities    AgentCapabilities `json:"capabilities"`
	Payment         *PaymentInfo      `json:"payment,omitempty"`
}

// AgentSkill describes one named capability an agent exposes.
type AgentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// AgentCapabilities describes transport-level features of an agent.
type AgentCapabilities struct {
	Streaming         bool `json:"streaming"`
	PushNotifications bool `json:"pushNotifications"`
	Payments          bool `json:"payments"`
}

// PaymentInfo declares how an agent charges for protected skills.
type PaymentInfo struct {
	Required  bool   `json:"required"`
	Price     string `json:"price,omitempty"`
	Currency  string `json:"currency,omitempty"`
	Chain     string `json:"chain,omitempty"`
	PayTo     string `json:"payTo,omitempty"`
}

// HasSkill reports whether the card advertises the given skill id.
func (c *AgentCard) HasSkill(id string) bool {
	for _, s := range c.Skills {
		if s.ID == id {
			return true
		}
	}
	return false
}

// ============================================================================
// AGENT ENTRY - Discovery Registry Record
// ============================================================================

// AgentEntry is a discovery record returned by an external registry.
// Unlike an AgentCard it may not yet have a resolvable endpoint.
type AgentEntry struct {
	AgentID          string   `json:"agentId"`
	Name             string   `json:"name"`
	Chain            string   `json:"chain,omitempty"`
	Owner            string   `json:"owner,omitempty"`
	EndpointURL      string   `json:"endpointUrl,omitempty"`
	TrustScore       float64  `json:"trustScore"`
	Skills           []string `json:"skills,omitempty"`
	Tags             []string `json:"tags,omitempty"`
	PaymentSupported bool     `json:"paymentSupported"`
}

// ============================================================================
// TASK - Unit of Work
// ============================================================================

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether a task in this status can never change again.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusCancelled
}

// TaskDirection distinguishes exchanges we serve from exchanges we originate.
type TaskDirection string

const (
	DirectionInbound  TaskDirection = "inbound"
	DirectionOutbound TaskDirection = "outbound"
)

// Task is one recorded message exchange with a counterparty.
type Task struct {
	ID               string         `json:"id"`
	Skill            string         `json:"skill"`
	Direction        TaskDirection  `json:"direction"`
	Status           TaskStatus     `json:"status"`
	CounterpartyName string         `json:"counterpartyName,omitempty"`
	CounterpartyURL  string         `json:"counterpartyUrl,omitempty"`
	Message          string         `json:"message,omitempty"`
	Params           map[string]any `json:"params,omitempty"`
	Result           map[string]any `json:"result,omitempty"`
	Error            string         `json:"error,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
	ExpiresAt        time.Time      `json:"expiresAt"`
	CompletedAt      *time.Time     `json:"completedAt,omitempty"`
}

// TaskLogEntry is one append-only audit record of a status transition.
type TaskLogEntry struct {
	TaskID     string     `json:"taskId"`
	FromStatus TaskStatus `json:"fromStatus"`
	ToStatus   TaskStatus `json:"toStatus"`
	Details    string     `json:"details,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// ============================================================================
// METHOD PARAMS / RESULTS
// ============================================================================

// Protocol method names.
const (
	MethodAgentInfo   = "agent/info"
	MethodMessageSend = "message/send"
	MethodTasksGet    = "tasks/get"
	MethodTasksCancel = "tasks/cancel"
)

// MessageSendParams are the params of the message/send method.
type MessageSendParams struct {
	Skill   string         `json:"skill"`
	Message string         `json:"message"`
	Params  map[string]any `json:"params,omitempty"`
}

// MessageSendResult is the result of the message/send method.
type MessageSendResult struct {
	TaskID string         `json:"taskId"`
	Status TaskStatus     `json:"status"`
	Data   map[string]any `json:"data,omitempty"`
}

// TasksGetParams are the params of the tasks/get method.
type TasksGetParams struct {
	TaskID string `json:"taskId"`
}

// TasksCancelParams are the params of the tasks/cancel method.
type TasksCancelParams struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason,omitempty"`
}

// TasksCancelResult is the result of the tasks/cancel method.
type TasksCancelResult struct {
	TaskID    string     `json:"taskId"`
	Status    TaskStatus `json:"status"`
	Cancelled bool       `json:"cancelled"`
}
