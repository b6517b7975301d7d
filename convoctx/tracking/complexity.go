package tracking

// Complexity keyword weights and the default research threshold.
const (
	complexityHighWeight   = 5.0
	complexityMediumWeight = 3.0
	complexityLowWeight    = 1.0

	DefaultResearchThreshold = 15.0
)

// AnalyzeComplexity scores how involved a question is: length, weighted
// complexity-keyword hits, and density of the topic's own vocabulary. The
// score feeds the caller's research-trigger decision; it has no effect on
// context tracking itself. The research threshold comes from configuration.
func (a *ContextAnalyzer) AnalyzeComplexity(question, topic string) ComplexityAnalysis {
	return a.AnalyzeComplexityWithThreshold(question, topic, a.researchThreshold)
}

// AnalyzeComplexityWithThreshold is AnalyzeComplexity with a caller-supplied
// research threshold.
func (a *ContextAnalyzer) AnalyzeComplexityWithThreshold(question, topic string, threshold float64) ComplexityAnalysis {
	rules := a.rules.Current()

	score := float64(len(question)) / 20.0
	if score > 10 {
		score = 10
	}

	for _, kw := range rules.complexity.High {
		if containsWord(question, kw) {
			score += complexityHighWeight
		}
	}
	for _, kw := range rules.complexity.Medium {
		if containsWord(question, kw) {
			score += complexityMediumWeight
		}
	}
	for _, kw := range rules.complexity.Low {
		if containsWord(question, kw) {
			score += complexityLowWeight
		}
	}

	score += 10 * rules.topicKeywordDensity(question, topic)

	return ComplexityAnalysis{
		Score:            score,
		RequiresResearch: score >= threshold,
	}
}
