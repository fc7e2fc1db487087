// Package domain defines the core data model and validation gate for the
// ingestion, retrieval, and chat subsystems. Every boundary (HTTP handlers,
// NATS consumers, store writes) constructs or validates these types before
// passing them further into the system.
package domain

import "time"

// SourceType classifies where a Resource originated.
type SourceType string

const (
	SourceWeb   SourceType = "web"
	SourceGit   SourceType = "git"
	SourceTicket SourceType = "ticket"
	SourceLocal SourceType = "local"
	SourceSSO   SourceType = "sso"
)

// ValidSourceTypes is the recognised set of source types.
var ValidSourceTypes = map[SourceType]bool{
	SourceWeb: true, SourceGit: true, SourceTicket: true,
	SourceLocal: true, SourceSSO: true,
}

// Resource is an ingested artifact identified by a stable content-derived
// hash. The hash is the sole identity; filename on disk is a pure function
// of (Hash, Suffix).
type Resource struct {
	Hash        string            `json:"hash"`
	DisplayName string            `json:"display_name"`
	SourceType  SourceType        `json:"source_type"`
	URL         string            `json:"url,omitempty"`
	TicketID    string            `json:"ticket_id,omitempty"`
	GitCommit   string            `json:"git_commit,omitempty"`
	Suffix      string            `json:"suffix"`
	SizeBytes   int64             `json:"size_bytes"`
	IngestedAt  time.Time         `json:"ingested_at"`
	Tombstoned  bool              `json:"tombstoned"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// ResourceMeta is the on-disk `.meta` sidecar co-located with a resource's
// content file.
type ResourceMeta struct {
	SourceURL   string            `yaml:"source_url,omitempty" json:"source_url,omitempty"`
	SourceType  SourceType        `yaml:"source_type" json:"source_type"`
	CollectedAt time.Time         `yaml:"collected_at" json:"collected_at"`
	Title       string            `yaml:"title,omitempty" json:"title,omitempty"`
	Author      string            `yaml:"author,omitempty" json:"author,omitempty"`
	Extra       map[string]string `yaml:"extra,omitempty" json:"extra,omitempty"`
}

// Chunk is a contiguous text span of a Resource carrying a fixed-dimension
// embedding. (ResourceHash, ChunkIndex) is unique.
type Chunk struct {
	ResourceHash string            `json:"resource_hash"`
	ChunkIndex   int               `json:"chunk_index"`
	Text         string            `json:"text"`
	Vector       []float32         `json:"-"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Sender identifies who produced a Message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
	SenderSystem    Sender = "system"
	SenderExpert    Sender = "expert"
)

// Conversation groups an append-only ordered sequence of Messages.
type Conversation struct {
	ConversationID int64     `json:"conversation_id"`
	UserID         string    `json:"user_id,omitempty"`
	ClientID       string    `json:"client_id"`
	Title          string    `json:"title"`
	CreatedAt      time.Time `json:"created_at"`
	LastMessageAt  time.Time `json:"last_message_at"`
}

// Message is immutable once committed to the chat store.
type Message struct {
	MessageID      int64             `json:"message_id"`
	ConversationID int64             `json:"conversation_id"`
	Sender         Sender            `json:"sender"`
	Content        string            `json:"content"`
	ModelUsed      string            `json:"model_used,omitempty"`
	PipelineUsed   string            `json:"pipeline_used,omitempty"`
	Link           string            `json:"link,omitempty"`
	Context        map[string]any    `json:"context,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	Partial        bool              `json:"partial,omitempty"`
	Feedback       []Feedback        `json:"feedback,omitempty"`
}

// FeedbackKind classifies a Feedback row.
type FeedbackKind string

const (
	FeedbackLike    FeedbackKind = "like"
	FeedbackDislike FeedbackKind = "dislike"
	FeedbackComment FeedbackKind = "comment"
)

// Feedback is attached to at most one (message_id, feedback_ts) pair.
type Feedback struct {
	MessageID  int64        `json:"message_id"`
	Kind       FeedbackKind `json:"kind"`
	Incorrect  bool         `json:"incorrect"`
	Unhelpful  bool         `json:"unhelpful"`
	Inappropriate bool      `json:"inappropriate"`
	Text       string       `json:"text,omitempty"`
	FeedbackTS time.Time    `json:"feedback_ts"`
}

// TraceStatus is the lifecycle state of a Trace. Transitions only ever go
// running -> {completed, cancelled, failed}.
type TraceStatus string

const (
	TraceRunning   TraceStatus = "running"
	TraceCompleted TraceStatus = "completed"
	TraceCancelled TraceStatus = "cancelled"
	TraceFailed    TraceStatus = "failed"
)

// EventType enumerates the wire-level trace event kinds.
type EventType string

const (
	EventToolStart  EventType = "tool_start"
	EventToolOutput EventType = "tool_output"
	EventToolEnd    EventType = "tool_end"
	EventChunk      EventType = "chunk"
	EventError      EventType = "error"
	EventDone       EventType = "done"
)

// TraceEvent is one entry in a Trace's ordered event log.
type TraceEvent struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// IsTerminal reports whether e concludes a trace.
func (e TraceEvent) IsTerminal() bool {
	return e.Type == EventError || e.Type == EventDone
}

// Trace is the ordered log of events produced by a single conversational
// turn.
type Trace struct {
	TraceID        string       `json:"trace_id"`
	ConversationID int64        `json:"conversation_id"`
	MessageID      *int64       `json:"message_id,omitempty"`
	PipelineName   string       `json:"pipeline_name"`
	Events         []TraceEvent `json:"events"`
	Status         TraceStatus  `json:"status"`
	StartedAt      time.Time    `json:"started_at"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
	Totals         map[string]any `json:"totals,omitempty"`
}

// Preference is the recorded outcome of an A/B comparison.
type Preference string

const (
	PreferenceA    Preference = "a"
	PreferenceB    Preference = "b"
	PreferenceTie  Preference = "tie"
	PreferenceNone Preference = ""
)

// ABComparison pairs two pipeline responses to the same user prompt. A
// non-empty Preference, once set, is final.
type ABComparison struct {
	ComparisonID       string     `json:"comparison_id"`
	ConversationID     int64      `json:"conversation_id"`
	UserPromptMessageID int64     `json:"user_prompt_message_id"`
	ResponseAMessageID int64      `json:"response_a_message_id"`
	ResponseBMessageID int64      `json:"response_b_message_id"`
	ConfigA            string     `json:"config_a"`
	ConfigB            string     `json:"config_b"`
	IsAFirst           bool       `json:"is_a_first"`
	Preference         Preference `json:"preference"`
}

// DocumentSelection is the effective per-conversation enablement of a
// resource for retrieval. Absence of a row means default-enabled.
type DocumentSelection struct {
	ConversationID int64 `json:"conversation_id"`
	ResourceHash   string `json:"resource_hash"`
	Enabled        bool   `json:"enabled"`
}
