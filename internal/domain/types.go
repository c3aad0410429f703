// Package domain holds the source-agnostic entities the processing
// pipeline operates on (spec §3): Discussion, Thread, SourceConfig,
// SyncJob, and the shared Status enum.
package domain

import "time"

// Status is the abstract lifecycle state shared by Discussion and SyncJob.
// Adapters translate it into source-specific wire gestures (glyphs,
// reactions); the processor never emits a wire token directly (spec §6).
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Stage is one of the seven ordered phases the processor passes through
// for a single run (spec §4.7).
type Stage string

const (
	StagePending         Stage = "pending"
	StageTeamResolution  Stage = "team_resolution"
	StageConfigLoading   Stage = "config_loading"
	StageThreadBuilding  Stage = "thread_building"
	StageAIAnalysis      Stage = "ai_analysis"
	StageTaskCreation    Stage = "task_creation"
	StageNotification    Stage = "notification"
	StageCompleted       Stage = "completed"
)

// stageOrder is the linear, one-way sequence a job's Stage field moves
// through in one run (spec §4.7, §8 invariant 10).
var stageOrder = []Stage{
	StagePending,
	StageTeamResolution,
	StageConfigLoading,
	StageThreadBuilding,
	StageAIAnalysis,
	StageTaskCreation,
	StageNotification,
	StageCompleted,
}

// StageIndex returns stage's position in the canonical order, or -1 if
// unrecognised.
func StageIndex(stage Stage) int {
	for i, s := range stageOrder {
		if s == stage {
			return i
		}
	}
	return -1
}

// Discussion is the canonical persisted record of one ingested event
// (spec §3). The triple (TenantID, SourceType, SourceThreadID) is unique
// per tenant — enforced by a dedupe check before insert, not a DB
// constraint (see internal/ingress).
type Discussion struct {
	ID              string
	TenantID        string
	Owner           string
	SourceType      string
	SourceThreadID  string
	SourceURL       string
	SourceConfigID  string
	Title           string
	Content         string
	AuthorHandle    string
	Participants    []string
	Status          Status
	ThreadID        string
	JobID           string
	RawPayload      map[string]any
	Metadata        map[string]string
	ProcessedAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// FieldMapping names the target fields of the external task database that
// a SourceConfig maps onto (spec §3/§4.4). Any mapping left empty causes
// the corresponding task-DB property to be omitted, not set to null.
type FieldMapping struct {
	Title      string
	Status     string
	Priority   string
	Assignee   string
	Due        string
	Tags       string
	SourceURL  string
}

// DefaultFieldMapping matches the Task-DB client's default: the title
// field is "Name" unless overridden (spec §4.4).
func DefaultFieldMapping() FieldMapping {
	return FieldMapping{Title: "Name", SourceURL: "sourceUrl"}
}

// SourceConfig is per-tenant credentials and policy for one source
// (spec §3). Credential fields are stored encrypted at rest
// (internal/crypto); adapters decrypt them only for the lifetime of one
// operation's call stack.
type SourceConfig struct {
	ID                    string
	TenantID              string
	SourceType            string
	DisplayName           string
	EncryptedAPIToken     string
	EncryptedTaskDBToken  string
	TaskDBID              string
	FieldMapping          FieldMapping
	EncryptedLLMKey       string
	AIEnabled             bool
	AutoSync              bool
	PostConfirmation      bool
	Active                bool
	Metadata              map[string]string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// SyncJob is a record of one processor run, terminal or in-flight (spec §3).
type SyncJob struct {
	ID              string
	TenantID        string
	Owner           string
	DiscussionID    string
	SourceConfigID  string
	Status          Status
	Stage           Stage
	Attempt         int
	MaxAttempts     int
	ErrorMessage    string
	ErrorStack      string
	StartedAt       time.Time
	CompletedAt     *time.Time
	ProcessingTimeMS int64
	TaskIDs         []string
	Metadata        map[string]any
}

// AttachmentKind enumerates the kinds of attachment a ThreadMessage may carry.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentFile  AttachmentKind = "file"
	AttachmentLink  AttachmentKind = "link"
)

// Attachment is a single attachment on a ThreadMessage.
type Attachment struct {
	ID   string
	Kind AttachmentKind
	URL  string
	Name string
	Mime string
}

// ThreadMessage is one message in a Thread (root or reply).
type ThreadMessage struct {
	ID          string
	Author      string
	Content     string
	Timestamp   time.Time
	Attachments []Attachment
}

// Thread is a conversation snapshot: a root message plus its replies,
// produced by an Adapter's fetchThread (spec §3).
type Thread struct {
	ID           string
	Root         ThreadMessage
	Replies      []ThreadMessage
	Participants []string
	Metadata     map[string]string
}

// AllMessages returns Root followed by Replies in order.
func (t Thread) AllMessages() []ThreadMessage {
	messages := make([]ThreadMessage, 0, len(t.Replies)+1)
	messages = append(messages, t.Root)
	messages = append(messages, t.Replies...)
	return messages
}

// ParsedDiscussion is the transient output of an Adapter's parseIncoming
// (spec §3), later converted into a Discussion by Ingress.
type ParsedDiscussion struct {
	SourceType     string
	SourceThreadID string
	SourceURL      string
	TenantID       string
	AuthorHandle   string
	Title          string
	Content        string
	Participants   []string
	Timestamp      time.Time
	Metadata       map[string]string
}

// DedupeParticipants removes duplicate handles while preserving the first
// occurrence's order (spec §3 Discussion invariant).
func DedupeParticipants(handles []string) []string {
	seen := make(map[string]struct{}, len(handles))
	out := make([]string, 0, len(handles))
	for _, h := range handles {
		if h == "" {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}
