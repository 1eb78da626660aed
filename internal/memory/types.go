package memory

import "time"

// Message is one immutable chat message. Only Redacted is ever updated
// after insert.
type Message struct {
	ID        string
	ChannelID string
	AuthorID  string
	Content   string
	CreatedAt time.Time
	Redacted  bool
}

// QueueItem is pending embedding work for one message.
type QueueItem struct {
	MessageID string
	Priority  int
	Attempts  int
	LastError string
	Dead      bool
	CreatedAt time.Time
}

// EmbeddingRecord is the stored vector for one message, 1:1 with messages.
type EmbeddingRecord struct {
	MessageID string
	Vector    []float32
	Dim       int
	Model     string
	CreatedAt time.Time
}

// Fact is a durable consolidated belief about a user.
type Fact struct {
	ID              int64
	UserID          string
	Type            string
	Content         string
	Normalized      string
	Confidence      float64
	MentionCount    int
	FirstMentioned  time.Time
	LastConfirmed   time.Time
	SourceMessageID string
}

// FactCandidate is one proposed fact from the extraction step.
type FactCandidate struct {
	Type            string  `json:"type"`
	Content         string  `json:"content"`
	Confidence      float64 `json:"confidence"`
	SourceMessageID string  `json:"-"`
}

// Summary condenses a closed message span for a (channel, user) pair.
// UserID is empty for channel-wide summaries.
type Summary struct {
	ID           int64
	ChannelID    string
	UserID       string
	Content      string
	MessageCount int
	StartTS      time.Time
	EndTS        time.Time
	CreatedAt    time.Time
}

// SearchMatch is one semantic search hit with its similarity score.
type SearchMatch struct {
	Message    Message
	Similarity float64
}

// ContextBundle is the ephemeral assembled memory for one query.
type ContextBundle struct {
	WorkingMemory   []Message
	Compressed      string
	SemanticMatches []SearchMatch
	Facts           []Fact
	Summary         *Summary
	External        []string
	Breakdown       TokenBreakdown
}

// TokenBreakdown reports estimated tokens allocated per section and which
// sections were degraded to empty by a failing source.
type TokenBreakdown struct {
	WorkingMemory int
	Facts         int
	Summary       int
	Semantic      int
	External      int
	Degraded      []string
}

// Total returns the summed token estimate across all sections.
func (b TokenBreakdown) Total() int {
	return b.WorkingMemory + b.Facts + b.Summary + b.Semantic + b.External
}

// Stats is a compact store snapshot used by status reporting.
type Stats struct {
	Messages      int
	QueuePending  int
	QueueDead     int
	Embeddings    int
	Facts         int
	Summaries     int
	RateEvents    int
	OptedOutUsers int
}

// Known fact types. Anything else is stored as "other".
const (
	FactTypePreference = "preference"
	FactTypeProject    = "project"
	FactTypeSkill      = "skill"
	FactTypeIssue      = "issue"
	FactTypeOther      = "other"
)

// NormalizeFactType maps arbitrary extraction output onto the known set.
func NormalizeFactType(t string) string {
	switch t {
	case FactTypePreference, FactTypeProject, FactTypeSkill, FactTypeIssue:
		return t
	default:
		return FactTypeOther
	}
}
