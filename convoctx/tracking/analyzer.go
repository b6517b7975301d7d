package tracking

import (
	"regexp"

	"github.com/rs/zerolog"
)

// defaultRecentWindow is how many trailing turns count as "recent" when no
// window is configured.
const defaultRecentWindow = 3

// ContextAnalyzer extracts the current topic of a question, classifies how it
// references prior turns, and scores its own confidence. It never fails: any
// internal panic degrades to a conservative default result.
type ContextAnalyzer struct {
	rules             *RuleProvider
	researchThreshold float64
	recentWindow      int
	logger            zerolog.Logger
}

// NewContextAnalyzer creates an analyzer on the given rule tables. A
// non-positive researchThreshold or recentWindow falls back to the defaults.
func NewContextAnalyzer(rules *RuleProvider, researchThreshold float64, recentWindow int, logger zerolog.Logger) *ContextAnalyzer {
	if researchThreshold <= 0 {
		researchThreshold = DefaultResearchThreshold
	}
	if recentWindow <= 0 {
		recentWindow = defaultRecentWindow
	}
	return &ContextAnalyzer{
		rules:             rules,
		researchThreshold: researchThreshold,
		recentWindow:      recentWindow,
		logger:            logger.With().Str("component", "context-analyzer").Logger(),
	}
}

// AnalyzeContext produces the full context analysis for one question.
func (a *ContextAnalyzer) AnalyzeContext(question string, history []QuestionHistoryItem) (analysis ContextAnalysis) {
	rules := a.rules.Current()

	defer func() {
		if r := recover(); r != nil {
			a.logger.Warn().Interface("panic", r).Msg("context analysis failed, returning conservative default")
			analysis = a.conservativeDefault(rules, question)
		}
	}()

	keywords := rules.ExtractKeywords(question)
	topic := a.extractCurrentTopic(rules, question, keywords)
	directRef := matchesAny(rules.directRefs, question)
	related := a.isRelatedToHistory(rules, question, keywords, topic, history, directRef)
	refType := a.analyzeReferenceType(rules, keywords, history, directRef)
	referencedTurn := a.findReferencedTurn(rules, keywords, history)
	continuity := topicContinuity(topic, history, a.recentWindow)

	analysis = ContextAnalysis{
		CurrentTopic:     topic,
		RelatedToHistory: related,
		ReferenceType:    refType,
		ReferencedTurn:   referencedTurn,
		Keywords:         keywords,
		TopicContinuity:  continuity,
	}
	analysis.Confidence = confidenceFor(analysis, len(history))
	return analysis
}

// extractCurrentTopic resolves the topic label: known topic match first, then
// the question's own top keyword, then the general fallback.
func (a *ContextAnalyzer) extractCurrentTopic(rules *Rules, question string, keywords []string) string {
	if name, ok := rules.matchTopic(question); ok {
		return name
	}
	if len(keywords) > 0 {
		return keywords[0]
	}
	return GeneralTopic
}

// isRelatedToHistory: a direct-reference pattern, a ≥2 keyword overlap with
// any recent turn, or a topic shared with one.
func (a *ContextAnalyzer) isRelatedToHistory(rules *Rules, question string, keywords []string, topic string, history []QuestionHistoryItem, directRef bool) bool {
	if directRef {
		return true
	}
	for _, item := range lastItems(history, a.recentWindow) {
		if overlapCount(keywords, rules.ExtractKeywords(item.Question)) >= 2 {
			return true
		}
	}
	for _, item := range lastItems(history, a.recentWindow) {
		if item.Topic == topic {
			return true
		}
	}
	return false
}

// analyzeReferenceType: direct when a pattern fires, implicit on ≥1 shared
// keyword with either of the last two questions, none otherwise.
func (a *ContextAnalyzer) analyzeReferenceType(rules *Rules, keywords []string, history []QuestionHistoryItem, directRef bool) ReferenceType {
	if directRef {
		return ReferenceDirect
	}
	for _, item := range lastItems(history, 2) {
		if overlapCount(keywords, rules.ExtractKeywords(item.Question)) >= 1 {
			return ReferenceImplicit
		}
	}
	return ReferenceNone
}

// findReferencedTurn picks the best-overlapping turn among the last five,
// normalized by the larger keyword set; scores of 0.3 or less are rejected.
func (a *ContextAnalyzer) findReferencedTurn(rules *Rules, keywords []string, history []QuestionHistoryItem) int {
	best := 0
	bestScore := 0.0
	for _, item := range lastItems(history, 5) {
		itemKeywords := rules.ExtractKeywords(item.Question + " " + item.Answer)
		score := overlapRatio(keywords, itemKeywords)
		if score > bestScore {
			bestScore = score
			best = item.TurnNumber
		}
	}
	if bestScore <= 0.3 {
		return 0
	}
	return best
}

// topicContinuity walks the recent turns newest-first, adding a weight that
// decays by 0.7 per step whenever the turn shares the current topic.
func topicContinuity(topic string, history []QuestionHistoryItem, window int) float64 {
	recent := lastItems(history, window)
	weight := 1.0
	continuity := 0.0
	for i := len(recent) - 1; i >= 0; i-- {
		if recent[i].Topic == topic {
			continuity += weight * 0.5
		}
		weight *= 0.7
	}
	if continuity > 1.0 {
		continuity = 1.0
	}
	return continuity
}

// confidenceFor builds the additive confidence score, clamped to 1.0.
func confidenceFor(analysis ContextAnalysis, historyLen int) float64 {
	confidence := 0.5
	if analysis.CurrentTopic != GeneralTopic {
		confidence += 0.2
	}
	if analysis.RelatedToHistory {
		confidence += 0.15
	}
	switch analysis.ReferenceType {
	case ReferenceDirect:
		confidence += 0.2
	case ReferenceImplicit:
		confidence += 0.1
	}
	switch {
	case len(analysis.Keywords) >= 3:
		confidence += 0.1
	case len(analysis.Keywords) >= 1:
		confidence += 0.05
	}
	if historyLen >= 3 {
		confidence += 0.1
	}
	if confidence > 1.0 {
		confidence = 1.0
	}
	return confidence
}

// conservativeDefault keeps only what keyword extraction alone can say.
func (a *ContextAnalyzer) conservativeDefault(rules *Rules, question string) ContextAnalysis {
	keywords := rules.ExtractKeywords(question)
	return ContextAnalysis{
		CurrentTopic:     a.extractCurrentTopic(rules, question, keywords),
		RelatedToHistory: false,
		ReferenceType:    ReferenceNone,
		Keywords:         keywords,
		Confidence:       0.5,
	}
}

func matchesAny(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
