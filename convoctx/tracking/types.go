// Package tracking implements multi-turn conversation context tracking for a
// question-answering assistant: a session cache, a history manager backed by a
// durable store, heuristic analyzers for topic/reference, intent, answer
// consistency and error recovery, session lifecycle management, and rolling
// quality metrics, composed behind one System facade.
package tracking

import "time"

// ReferenceType describes how a question refers to prior turns.
type ReferenceType string

const (
	ReferenceDirect   ReferenceType = "direct"
	ReferenceImplicit ReferenceType = "implicit"
	ReferenceNone     ReferenceType = "none"
)

// Intent is the classified purpose of a user message.
type Intent string

const (
	IntentQuestion      Intent = "question"
	IntentCorrection    Intent = "correction"
	IntentClarification Intent = "clarification"
	IntentFollowup      Intent = "followup"
)

// ConfidenceLevel grades how much a checked answer can be trusted.
type ConfidenceLevel string

const (
	ConfidenceHigh   ConfidenceLevel = "high"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceLow    ConfidenceLevel = "low"
)

// ErrorType classifies a detected contradiction.
type ErrorType string

const (
	ErrorNone       ErrorType = ""
	ErrorFactual    ErrorType = "factual"
	ErrorContextual ErrorType = "contextual"
	ErrorLogical    ErrorType = "logical"
)

// CorrectionIntensity grades how bluntly the user rejected a previous answer.
type CorrectionIntensity string

const (
	IntensityMild     CorrectionIntensity = "mild"
	IntensityModerate CorrectionIntensity = "moderate"
	IntensityStrong   CorrectionIntensity = "strong"
)

// SessionStatus describes where a session currently lives.
type SessionStatus string

const (
	StatusActive  SessionStatus = "active"
	StatusIdle    SessionStatus = "idle"
	StatusExpired SessionStatus = "expired"
)

// ConversationContext is the in-memory projection of one session. The durable
// store is the source of truth; a cached copy is disposable and is rebuilt on
// the next access after it expires.
type ConversationContext struct {
	SessionID       string                `json:"session_id"`
	UserID          string                `json:"user_id,omitempty"`
	CurrentTopic    string                `json:"current_topic"`
	TopicStartTurn  int                   `json:"topic_start_turn"`
	QuestionHistory []QuestionHistoryItem `json:"question_history"`
	LastUpdated     time.Time             `json:"last_updated"`
}

// Clone returns a deep-enough copy for concurrent use: the history slice is
// copied, the immutable items and their analysis payloads are shared.
func (c *ConversationContext) Clone() *ConversationContext {
	if c == nil {
		return nil
	}
	cp := *c
	cp.QuestionHistory = append([]QuestionHistoryItem(nil), c.QuestionHistory...)
	return &cp
}

// QuestionHistoryItem is one question/answer exchange. Items are append-only
// and immutable once written; TurnNumber is strictly increasing from 1 with
// no gaps.
type QuestionHistoryItem struct {
	ID              string           `json:"id"` // sessionID_turnNumber
	TurnNumber      int              `json:"turn_number"`
	Question        string           `json:"question"`
	Answer          string           `json:"answer"`
	Topic           string           `json:"topic"`
	Confidence      float64          `json:"confidence"`
	WasResearched   bool             `json:"was_researched"`
	ContextAnalysis *ContextAnalysis `json:"context_analysis,omitempty"`
	IntentAnalysis  *IntentAnalysis  `json:"intent_analysis,omitempty"`
	Timestamp       time.Time        `json:"timestamp"`
}

// ContextAnalysis is the topic/reference view of one incoming question.
type ContextAnalysis struct {
	CurrentTopic     string        `json:"current_topic"`
	RelatedToHistory bool          `json:"related_to_history"`
	ReferenceType    ReferenceType `json:"reference_type"`
	ReferencedTurn   int           `json:"referenced_turn,omitempty"` // 0 when no turn is referenced
	Confidence       float64       `json:"confidence"`
	Keywords         []string      `json:"keywords"`
	TopicContinuity  float64       `json:"topic_continuity"`
}

// IntentAnalysis is the classified purpose of one incoming question.
type IntentAnalysis struct {
	PrimaryIntent            Intent               `json:"primary_intent"`
	ChallengesPreviousAnswer bool                 `json:"challenges_previous_answer"`
	ReferencedAnswer         *QuestionHistoryItem `json:"referenced_answer,omitempty"`
	ImplicitContext          []string             `json:"implicit_context,omitempty"`
	Confidence               float64              `json:"confidence"`
	CorrectionPatterns       []string             `json:"correction_patterns,omitempty"`
}

// ConsistencyCheck is the result of comparing a new answer against history.
type ConsistencyCheck struct {
	IsConsistent       bool                  `json:"is_consistent"`
	ConflictingAnswers []QuestionHistoryItem `json:"conflicting_answers,omitempty"`
	ConfidenceLevel    ConfidenceLevel       `json:"confidence_level"`
	RecommendsResearch bool                  `json:"recommends_research"`
	ErrorType          ErrorType             `json:"error_type,omitempty"`
	ConflictDetails    []string              `json:"conflict_details,omitempty"`
}

// ErrorDetection is the recovery decision for a user correction.
type ErrorDetection struct {
	IsCorrection      bool                `json:"is_correction"`
	Intensity         CorrectionIntensity `json:"intensity,omitempty"`
	Confidence        float64             `json:"confidence"`
	MatchedPattern    string              `json:"matched_pattern,omitempty"`
	SuggestedResponse string              `json:"suggested_response,omitempty"`
}

// ComplexityAnalysis scores how much research a question likely needs.
type ComplexityAnalysis struct {
	Score            float64 `json:"score"`
	RequiresResearch bool    `json:"requires_research"`
}

// TopicChange is the outcome of topic-change detection on an update.
type TopicChange struct {
	Changed    bool    `json:"changed"`
	NewTopic   string  `json:"new_topic"`
	Confidence float64 `json:"confidence"`
}

// ScoredHistoryItem pairs a history item with its relevance to a query.
type ScoredHistoryItem struct {
	Item  QuestionHistoryItem `json:"item"`
	Score float64             `json:"score"`
}

// GeneralTopic is the fallback topic label when nothing known matches.
const GeneralTopic = "general"
