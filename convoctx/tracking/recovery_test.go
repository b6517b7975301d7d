package tracking

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func newTestRecovery() *ErrorRecoverySystem {
	return NewErrorRecoverySystem(NewRuleProvider(DefaultRules()), zerolog.Nop())
}

func TestDetectUserCorrection_RequiresChallenge(t *testing.T) {
	recovery := newTestRecovery()

	detection := recovery.DetectUserCorrection("that's wrong", IntentAnalysis{
		PrimaryIntent:            IntentQuestion,
		ChallengesPreviousAnswer: false,
	})
	assert.False(t, detection.IsCorrection)
	assert.Empty(t, detection.SuggestedResponse)
}

func TestDetectUserCorrection_StrongChallenge(t *testing.T) {
	recovery := newTestRecovery()

	detection := recovery.DetectUserCorrection("That's wrong, the rulebook says otherwise.", IntentAnalysis{
		PrimaryIntent:            IntentCorrection,
		ChallengesPreviousAnswer: true,
	})

	assert.True(t, detection.IsCorrection)
	assert.Equal(t, IntensityStrong, detection.Intensity)
	assert.InDelta(t, 0.9, detection.Confidence, 1e-9)
	assert.Contains(t, detection.SuggestedResponse, "apologize")
}

func TestDetectUserCorrection_MildChallenge(t *testing.T) {
	recovery := newTestRecovery()

	detection := recovery.DetectUserCorrection("Are you sure about that?", IntentAnalysis{
		PrimaryIntent:            IntentCorrection,
		ChallengesPreviousAnswer: true,
	})

	assert.True(t, detection.IsCorrection)
	assert.Equal(t, IntensityMild, detection.Intensity)
	assert.InDelta(t, 0.6, detection.Confidence, 1e-9)
	assert.Contains(t, detection.SuggestedResponse, "double-check")
}

func TestDetectUserCorrection_StrongestPatternWins(t *testing.T) {
	recovery := newTestRecovery()

	detection := recovery.DetectUserCorrection("Are you sure? That's just wrong.", IntentAnalysis{
		PrimaryIntent:            IntentCorrection,
		ChallengesPreviousAnswer: true,
	})

	assert.Equal(t, IntensityStrong, detection.Intensity)
}

func TestDetectUserCorrection_FallbackWhenNoPatternFires(t *testing.T) {
	recovery := newTestRecovery()

	detection := recovery.DetectUserCorrection("hmm, i doubt it", IntentAnalysis{
		PrimaryIntent:            IntentCorrection,
		ChallengesPreviousAnswer: true,
	})

	assert.True(t, detection.IsCorrection)
	assert.Equal(t, IntensityMild, detection.Intensity)
	assert.Empty(t, detection.MatchedPattern)
	assert.NotEmpty(t, detection.SuggestedResponse)
}
