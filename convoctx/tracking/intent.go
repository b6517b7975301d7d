package tracking

import (
	"github.com/rs/zerolog"
)

// IntentRecognizer classifies the primary intent of a user message with
// ordered rule precedence: correction, clarification, followup, question.
// It never fails; unmatched input defaults to a plain question at low
// confidence.
type IntentRecognizer struct {
	rules        *RuleProvider
	recentWindow int
	logger       zerolog.Logger
}

// NewIntentRecognizer creates a recognizer on the given rule tables. A
// non-positive recentWindow falls back to the default.
func NewIntentRecognizer(rules *RuleProvider, recentWindow int, logger zerolog.Logger) *IntentRecognizer {
	if recentWindow <= 0 {
		recentWindow = defaultRecentWindow
	}
	return &IntentRecognizer{
		rules:        rules,
		recentWindow: recentWindow,
		logger:       logger.With().Str("component", "intent").Logger(),
	}
}

// RecognizeIntent classifies one question against the session context.
func (r *IntentRecognizer) RecognizeIntent(question string, cctx *ConversationContext) (analysis IntentAnalysis) {
	rules := r.rules.Current()

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn().Interface("panic", rec).Msg("intent recognition failed, defaulting to question")
			analysis = IntentAnalysis{PrimaryIntent: IntentQuestion, Confidence: 0.4}
		}
	}()

	var history []QuestionHistoryItem
	if cctx != nil {
		history = cctx.QuestionHistory
	}
	keywords := rules.ExtractKeywords(question)

	// Rule 1: correction challenges beat everything else.
	if fired := firedCorrections(rules, question); len(fired) > 0 {
		analysis = IntentAnalysis{
			PrimaryIntent:            IntentCorrection,
			ChallengesPreviousAnswer: true,
			ReferencedAnswer:         referencedAnswer(rules, keywords, history),
			Confidence:               0.9,
			CorrectionPatterns:       fired,
		}
		return analysis
	}

	// Rule 2: clarification requests.
	if matchesAny(rules.clarifications, question) {
		return IntentAnalysis{
			PrimaryIntent:   IntentClarification,
			ImplicitContext: sharedContext(rules, keywords, history, r.recentWindow),
			Confidence:      0.8,
		}
	}

	// Rule 3: followup when the question stays on the previous turn's topic
	// or vocabulary.
	if len(history) > 0 {
		prev := history[len(history)-1]
		sameTopic := prev.Topic != "" && prev.Topic != GeneralTopic && containsWord(question, prev.Topic)
		sharesKeyword := overlapCount(keywords, rules.ExtractKeywords(prev.Question)) >= 1
		if sameTopic || sharesKeyword {
			return IntentAnalysis{
				PrimaryIntent:   IntentFollowup,
				ImplicitContext: sharedContext(rules, keywords, history, r.recentWindow),
				Confidence:      0.7,
			}
		}
	}

	// Rule 4: a fresh question.
	confidence := 0.6
	if len(keywords) == 0 {
		confidence = 0.4
	}
	return IntentAnalysis{PrimaryIntent: IntentQuestion, Confidence: confidence}
}

// firedCorrections returns the literal correction patterns matching the text.
func firedCorrections(rules *Rules, question string) []string {
	var fired []string
	for _, c := range rules.corrections {
		if c.re.MatchString(question) {
			fired = append(fired, c.pattern)
		}
	}
	return fired
}

// referencedAnswer finds the most recent turn sharing a keyword with the
// challenge; a bare "that's wrong" refers to the immediately preceding turn.
func referencedAnswer(rules *Rules, keywords []string, history []QuestionHistoryItem) *QuestionHistoryItem {
	if len(history) == 0 {
		return nil
	}
	for i := len(history) - 1; i >= 0; i-- {
		itemKeywords := rules.ExtractKeywords(history[i].Question + " " + history[i].Answer)
		if overlapCount(keywords, itemKeywords) >= 1 {
			item := history[i]
			return &item
		}
	}
	item := history[len(history)-1]
	return &item
}

// sharedContext lists the keywords the question shares with recent turns.
func sharedContext(rules *Rules, keywords []string, history []QuestionHistoryItem, window int) []string {
	var shared []string
	seen := make(map[string]struct{})
	for _, item := range lastItems(history, window) {
		itemSet := keywordSet(rules.ExtractKeywords(item.Question + " " + item.Answer))
		for _, kw := range keywords {
			if _, ok := itemSet[kw]; !ok {
				continue
			}
			if _, dup := seen[kw]; dup {
				continue
			}
			seen[kw] = struct{}{}
			shared = append(shared, kw)
		}
	}
	return shared
}
