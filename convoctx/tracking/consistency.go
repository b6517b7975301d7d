package tracking

import (
	"fmt"
	"regexp"
	"time"

	"github.com/rs/zerolog"
)

var numberPattern = regexp.MustCompile(`\d+(?:\.\d+)?`)

// conflictWindow is how many characters around a numeric mention count as its
// local context when comparing answers.
const conflictWindow = 20

// ConsistencyValidator compares a freshly generated answer against recent
// history for factual and logical contradictions. Internal failures yield
// the neutral "consistent, medium confidence" result instead of propagating.
type ConsistencyValidator struct {
	rules  *RuleProvider
	logger zerolog.Logger
	now    func() time.Time
}

// NewConsistencyValidator creates a validator on the given rule tables.
func NewConsistencyValidator(rules *RuleProvider, logger zerolog.Logger) *ConsistencyValidator {
	return &ConsistencyValidator{
		rules:  rules,
		logger: logger.With().Str("component", "consistency").Logger(),
		now:    time.Now,
	}
}

// conflict is one detected contradiction against a prior turn.
type conflict struct {
	item       QuestionHistoryItem
	errorType  ErrorType
	confidence float64
	detail     string
}

// ValidateConsistency checks a new answer against the session's recent turns.
func (v *ConsistencyValidator) ValidateConsistency(newAnswer string, cctx *ConversationContext) (check ConsistencyCheck) {
	defer func() {
		if r := recover(); r != nil {
			v.logger.Warn().Interface("panic", r).Msg("consistency validation failed, assuming consistent")
			check = ConsistencyCheck{IsConsistent: true, ConfidenceLevel: ConfidenceMedium}
		}
	}()

	rules := v.rules.Current()

	if newAnswer == "" || cctx == nil || len(cctx.QuestionHistory) == 0 {
		return ConsistencyCheck{IsConsistent: true, ConfidenceLevel: ConfidenceHigh}
	}

	answerKeywords := rules.ExtractKeywords(newAnswer)
	var conflicts []conflict

	for _, item := range lastItems(cctx.QuestionHistory, 5) {
		itemKeywords := rules.ExtractKeywords(item.Answer)
		if overlapCount(answerKeywords, itemKeywords) < 1 {
			continue
		}

		conflicts = append(conflicts, v.factualConflicts(rules, newAnswer, item)...)
		conflicts = append(conflicts, v.logicalConflicts(rules, newAnswer, item)...)
	}

	if len(conflicts) == 0 {
		return ConsistencyCheck{IsConsistent: true, ConfidenceLevel: ConfidenceHigh}
	}

	check = ConsistencyCheck{
		IsConsistent:       false,
		ConflictingAnswers: dedupeConflictItems(conflicts),
		ConfidenceLevel:    confidenceLevel(conflicts),
		ErrorType:          resolveErrorType(conflicts),
	}
	for _, c := range conflicts {
		check.ConflictDetails = append(check.ConflictDetails, c.detail)
	}
	check.RecommendsResearch = v.recommendsResearch(check, conflicts)

	v.logger.Debug().
		Int("conflicts", len(conflicts)).
		Str("error_type", string(check.ErrorType)).
		Str("confidence_level", string(check.ConfidenceLevel)).
		Msg("consistency conflicts detected")

	return check
}

// factualConflicts flags numeric mentions whose surrounding context matches
// but whose values differ, and direct game-name or card-name disagreements.
func (v *ConsistencyValidator) factualConflicts(rules *Rules, newAnswer string, item QuestionHistoryItem) []conflict {
	var out []conflict

	for _, newMention := range numericMentions(rules, newAnswer) {
		for _, oldMention := range numericMentions(rules, item.Answer) {
			if newMention.value == oldMention.value {
				continue
			}
			if overlapCount(newMention.contextKeywords, oldMention.contextKeywords) < 2 {
				continue
			}
			out = append(out, conflict{
				item:       item,
				errorType:  ErrorFactual,
				confidence: 0.8,
				detail: fmt.Sprintf("turn %d said %q, new answer says %q in a matching context",
					item.TurnNumber, oldMention.value, newMention.value),
			})
		}
	}

	newGames := rules.topicNamesIn(newAnswer)
	oldGames := rules.topicNamesIn(item.Answer)
	if len(newGames) > 0 && len(oldGames) > 0 && overlapCount(newGames, oldGames) == 0 {
		if overlapCount(rules.ExtractKeywords(newAnswer), rules.ExtractKeywords(item.Answer)) >= 2 {
			out = append(out, conflict{
				item:       item,
				errorType:  ErrorFactual,
				confidence: 0.6,
				detail: fmt.Sprintf("turn %d attributed this to %v, new answer names %v",
					item.TurnNumber, oldGames, newGames),
			})
		}
	}

	newCards := rules.cardNamesIn(newAnswer)
	oldCards := rules.cardNamesIn(item.Answer)
	if len(newCards) > 0 && len(oldCards) > 0 && overlapCount(newCards, oldCards) == 0 {
		if overlapCount(rules.ExtractKeywords(newAnswer), rules.ExtractKeywords(item.Answer)) >= 2 {
			out = append(out, conflict{
				item:       item,
				errorType:  ErrorFactual,
				confidence: 0.6,
				detail: fmt.Sprintf("turn %d attributed this to card %v, new answer names %v",
					item.TurnNumber, oldCards, newCards),
			})
		}
	}

	return out
}

// logicalConflicts flags polarity reversals: one text asserting a positive
// term while the other asserts the paired negative term.
func (v *ConsistencyValidator) logicalConflicts(rules *Rules, newAnswer string, item QuestionHistoryItem) []conflict {
	var out []conflict
	for _, pair := range rules.polarityPairs {
		newPos, newNeg := containsAnyWord(newAnswer, pair.Positive), containsAnyWord(newAnswer, pair.Negative)
		oldPos, oldNeg := containsAnyWord(item.Answer, pair.Positive), containsAnyWord(item.Answer, pair.Negative)

		if (newPos && oldNeg && !newNeg) || (newNeg && oldPos && !newPos) {
			out = append(out, conflict{
				item:       item,
				errorType:  ErrorLogical,
				confidence: 0.7,
				detail: fmt.Sprintf("turn %d and the new answer disagree on polarity %v vs %v",
					item.TurnNumber, pair.Positive, pair.Negative),
			})
		}
	}
	return out
}

func (v *ConsistencyValidator) recommendsResearch(check ConsistencyCheck, conflicts []conflict) bool {
	if check.ConfidenceLevel == ConfidenceLow {
		return true
	}
	if len(conflicts) >= 2 {
		return true
	}
	if check.ConfidenceLevel != ConfidenceHigh {
		cutoff := v.now().Add(-time.Hour)
		for _, c := range conflicts {
			if c.item.Timestamp.After(cutoff) {
				return true
			}
		}
	}
	return false
}

// numericMention is one number with the keywords of its ±20 char context.
type numericMention struct {
	value           string
	contextKeywords []string
}

func numericMentions(rules *Rules, text string) []numericMention {
	locs := numberPattern.FindAllStringIndex(text, -1)
	mentions := make([]numericMention, 0, len(locs))
	for _, loc := range locs {
		start := loc[0] - conflictWindow
		if start < 0 {
			start = 0
		}
		end := loc[1] + conflictWindow
		if end > len(text) {
			end = len(text)
		}
		mentions = append(mentions, numericMention{
			value:           text[loc[0]:loc[1]],
			contextKeywords: rules.ExtractKeywords(text[start:end]),
		})
	}
	return mentions
}

// confidenceLevel grades remaining trust in the new answer: the average of
// (1 − conflict confidence), bucketed at 0.6 and 0.4.
func confidenceLevel(conflicts []conflict) ConfidenceLevel {
	if len(conflicts) == 0 {
		return ConfidenceHigh
	}
	sum := 0.0
	for _, c := range conflicts {
		sum += 1 - c.confidence
	}
	avg := sum / float64(len(conflicts))
	switch {
	case avg >= 0.6:
		return ConfidenceHigh
	case avg >= 0.4:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// resolveErrorType: contextual when both factual and logical conflicts
// exist, otherwise whichever kind was found.
func resolveErrorType(conflicts []conflict) ErrorType {
	var hasFactual, hasLogical bool
	for _, c := range conflicts {
		switch c.errorType {
		case ErrorFactual:
			hasFactual = true
		case ErrorLogical:
			hasLogical = true
		}
	}
	switch {
	case hasFactual && hasLogical:
		return ErrorContextual
	case hasFactual:
		return ErrorFactual
	case hasLogical:
		return ErrorLogical
	default:
		return ErrorNone
	}
}

func dedupeConflictItems(conflicts []conflict) []QuestionHistoryItem {
	seen := make(map[string]struct{}, len(conflicts))
	var items []QuestionHistoryItem
	for _, c := range conflicts {
		if _, dup := seen[c.item.ID]; dup {
			continue
		}
		seen[c.item.ID] = struct{}{}
		items = append(items, c.item)
	}
	return items
}

func containsAnyWord(text string, words []string) bool {
	for _, w := range words {
		if containsWord(text, w) {
			return true
		}
	}
	return false
}
