package tracking

import (
	"github.com/rs/zerolog"
)

// ErrorRecoverySystem turns a detected "you were wrong" challenge into an
// acknowledgement the orchestrator prepends to its next answer.
type ErrorRecoverySystem struct {
	rules  *RuleProvider
	logger zerolog.Logger
}

// NewErrorRecoverySystem creates a recovery system on the given rule tables.
func NewErrorRecoverySystem(rules *RuleProvider, logger zerolog.Logger) *ErrorRecoverySystem {
	return &ErrorRecoverySystem{
		rules:  rules,
		logger: logger.With().Str("component", "recovery").Logger(),
	}
}

// DetectUserCorrection engages only when intent analysis flagged a challenge.
// Intensity follows the strongest matched pattern; a blunt "that's wrong" is
// strong, a hedged "are you sure?" is mild.
func (e *ErrorRecoverySystem) DetectUserCorrection(question string, intent IntentAnalysis) ErrorDetection {
	if !intent.ChallengesPreviousAnswer {
		return ErrorDetection{IsCorrection: false}
	}

	rules := e.rules.Current()

	var (
		matched   string
		intensity CorrectionIntensity
	)
	for _, c := range rules.corrections {
		if !c.re.MatchString(question) {
			continue
		}
		if matched == "" || intensityRank(c.intensity) > intensityRank(intensity) {
			matched = c.pattern
			intensity = c.intensity
		}
	}
	if matched == "" {
		// Intent flagged a challenge but no pattern fires against the raw
		// text; treat it as a hedged correction.
		intensity = IntensityMild
	}

	detection := ErrorDetection{
		IsCorrection:      true,
		Intensity:         intensity,
		Confidence:        correctionConfidence(intensity),
		MatchedPattern:    matched,
		SuggestedResponse: rules.templates[intensity],
	}

	e.logger.Debug().
		Str("intensity", string(intensity)).
		Str("pattern", matched).
		Msg("user correction detected")

	return detection
}

func intensityRank(i CorrectionIntensity) int {
	switch i {
	case IntensityStrong:
		return 3
	case IntensityModerate:
		return 2
	case IntensityMild:
		return 1
	default:
		return 0
	}
}

func correctionConfidence(i CorrectionIntensity) float64 {
	switch i {
	case IntensityStrong:
		return 0.9
	case IntensityModerate:
		return 0.75
	default:
		return 0.6
	}
}
