package tracking

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/xeipuuv/gojsonschema"
)

// RuleSet is the serializable form of the heuristic rule tables. Every
// analyzer reads from a compiled RuleSet instead of hardcoded literals, so
// topics and patterns can change without code changes.
type RuleSet struct {
	Version           string             `json:"version"`
	Topics            []TopicRule        `json:"topics"`
	DirectReferences  []string           `json:"direct_references"`
	Corrections       []CorrectionRule   `json:"corrections"`
	Clarifications    []string           `json:"clarifications"`
	PolarityPairs     []PolarityPair     `json:"polarity_pairs"`
	Complexity        ComplexityKeywords `json:"complexity"`
	RecoveryTemplates map[string]string  `json:"recovery_templates"` // keyed by intensity
	Stopwords         []string           `json:"stopwords"`
}

// TopicRule binds a topic label to the keywords that signal it and the card
// and action names the consistency validator compares for disagreement.
type TopicRule struct {
	Name     string   `json:"name"`
	Keywords []string `json:"keywords"`
	Cards    []string `json:"cards,omitempty"`
}

// CorrectionRule is one "you were wrong" pattern with its intensity.
type CorrectionRule struct {
	Pattern   string              `json:"pattern"`
	Intensity CorrectionIntensity `json:"intensity"`
}

// PolarityPair is a positive/negative keyword pair used for logical-conflict
// detection: one text asserting a positive term while another asserts the
// matching negative term is a contradiction.
type PolarityPair struct {
	Positive []string `json:"positive"`
	Negative []string `json:"negative"`
}

// ComplexityKeywords are weighted signal words for the research heuristic.
type ComplexityKeywords struct {
	High   []string `json:"high"`
	Medium []string `json:"medium"`
	Low    []string `json:"low"`
}

// Rules is the compiled, immutable form consumed by the analyzers.
type Rules struct {
	version        string
	topics         []compiledTopic
	directRefs     []*regexp.Regexp
	corrections    []compiledCorrection
	clarifications []*regexp.Regexp
	polarityPairs  []PolarityPair
	complexity     ComplexityKeywords
	templates      map[CorrectionIntensity]string
	stopwords      map[string]struct{}
}

type compiledTopic struct {
	name     string
	keywords map[string]struct{}
	cards    []string
}

type compiledCorrection struct {
	re        *regexp.Regexp
	pattern   string
	intensity CorrectionIntensity
}

// Version reports the rule table version for status output.
func (r *Rules) Version() string { return r.version }

// matchTopic returns the first known topic signalled by the text, either by
// one of its keywords or by its name appearing verbatim.
func (r *Rules) matchTopic(text string) (string, bool) {
	for _, t := range r.topics {
		for kw := range t.keywords {
			if containsWord(text, kw) {
				return t.name, true
			}
		}
	}
	lower := strings.ToLower(text)
	for _, t := range r.topics {
		if strings.Contains(lower, t.name) {
			return t.name, true
		}
	}
	return "", false
}

// topicNamesIn returns every known topic whose name appears in the text.
func (r *Rules) topicNamesIn(text string) []string {
	lower := strings.ToLower(text)
	var names []string
	for _, t := range r.topics {
		if strings.Contains(lower, t.name) {
			names = append(names, t.name)
		}
	}
	return names
}

// cardNamesIn returns every known card or action name that appears in the
// text as a whole word or phrase.
func (r *Rules) cardNamesIn(text string) []string {
	var names []string
	for _, t := range r.topics {
		for _, card := range t.cards {
			if containsWord(text, card) {
				names = append(names, card)
			}
		}
	}
	return names
}

// topicKeywordDensity is the fraction of a topic's keywords present in text.
func (r *Rules) topicKeywordDensity(text, topic string) float64 {
	for _, t := range r.topics {
		if t.name != topic {
			continue
		}
		if len(t.keywords) == 0 {
			return 0
		}
		hits := 0
		for kw := range t.keywords {
			if containsWord(text, kw) {
				hits++
			}
		}
		return float64(hits) / float64(len(t.keywords))
	}
	return 0
}

// Compile validates and compiles a RuleSet.
func Compile(rs RuleSet) (*Rules, error) {
	out := &Rules{
		version:       rs.Version,
		polarityPairs: rs.PolarityPairs,
		complexity:    rs.Complexity,
		templates:     make(map[CorrectionIntensity]string, len(rs.RecoveryTemplates)),
		stopwords:     make(map[string]struct{}, len(rs.Stopwords)),
	}

	for _, t := range rs.Topics {
		ct := compiledTopic{name: t.Name, keywords: make(map[string]struct{}, len(t.Keywords))}
		for _, kw := range t.Keywords {
			ct.keywords[normalizeToken(kw)] = struct{}{}
		}
		for _, card := range t.Cards {
			ct.cards = append(ct.cards, strings.ToLower(card))
		}
		out.topics = append(out.topics, ct)
	}

	for _, p := range rs.DirectReferences {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("invalid direct-reference pattern %q: %w", p, err)
		}
		out.directRefs = append(out.directRefs, re)
	}

	for _, c := range rs.Corrections {
		re, err := regexp.Compile("(?i)" + c.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid correction pattern %q: %w", c.Pattern, err)
		}
		switch c.Intensity {
		case IntensityMild, IntensityModerate, IntensityStrong:
		default:
			return nil, fmt.Errorf("correction pattern %q has unknown intensity %q", c.Pattern, c.Intensity)
		}
		out.corrections = append(out.corrections, compiledCorrection{re: re, pattern: c.Pattern, intensity: c.Intensity})
	}

	for _, p := range rs.Clarifications {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("invalid clarification pattern %q: %w", p, err)
		}
		out.clarifications = append(out.clarifications, re)
	}

	for intensity, tmpl := range rs.RecoveryTemplates {
		out.templates[CorrectionIntensity(intensity)] = tmpl
	}

	for _, sw := range rs.Stopwords {
		out.stopwords[normalizeToken(sw)] = struct{}{}
	}

	return out, nil
}

//go:embed rules_schema.json
var ruleSchema string

// LoadRules reads, validates, and compiles an external rule-table file.
func LoadRules(path string) (*Rules, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule table %s: %w", path, err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(ruleSchema),
		gojsonschema.NewBytesLoader(raw),
	)
	if err != nil {
		return nil, fmt.Errorf("rule table validation failed: %w", err)
	}
	if !result.Valid() {
		return nil, fmt.Errorf("rule table %s is invalid: %v", path, result.Errors())
	}

	var rs RuleSet
	if err := json.Unmarshal(raw, &rs); err != nil {
		return nil, fmt.Errorf("failed to decode rule table %s: %w", path, err)
	}

	return Compile(rs)
}

// DefaultRuleSet returns the built-in rule tables for the board-game QA
// domain.
func DefaultRuleSet() RuleSet {
	return RuleSet{
		Version: "builtin-1",
		Topics: []TopicRule{
			{Name: "ark nova", Keywords: []string{"enclosure", "animal", "zoo", "conservation", "appeal", "aviary", "terrarium"}, Cards: []string{"sea otter", "diving show", "sponsorship"}},
			{Name: "wingspan", Keywords: []string{"bird", "egg", "habitat", "birdfeeder", "nest", "wetland", "forest"}, Cards: []string{"common raven", "barn owl", "bald eagle"}},
			{Name: "catan", Keywords: []string{"settlement", "road", "resource", "robber", "harbor", "longest"}, Cards: []string{"knight", "monopoly", "year of plenty"}},
			{Name: "terraforming mars", Keywords: []string{"terraform", "oxygen", "ocean", "corporation", "greenery", "mars"}, Cards: []string{"asteroid mining", "nuclear plant", "lichen"}},
			{Name: "agricola", Keywords: []string{"farmyard", "plow", "harvest", "fences", "begging", "occupation"}, Cards: []string{"wood cutter", "hedge keeper", "fireplace"}},
		},
		DirectReferences: []string{
			`^\s*(so|then)\b`,
			`\b(earlier|just now|you (just )?said)\b`,
			`(that'?s wrong|that is wrong|are you sure)`,
			`\bagain\b`,
		},
		Corrections: []CorrectionRule{
			{Pattern: `that'?s (just )?wrong`, Intensity: IntensityStrong},
			{Pattern: `that is (just )?wrong`, Intensity: IntensityStrong},
			{Pattern: `no,? that'?s not (it|right|correct)`, Intensity: IntensityStrong},
			{Pattern: `that (doesn'?t|does not) (seem|sound) right`, Intensity: IntensityModerate},
			{Pattern: `i (think|believe) (that'?s|that is) (incorrect|wrong)`, Intensity: IntensityModerate},
			{Pattern: `(that'?s|that is) not what the (rulebook|rules) says?`, Intensity: IntensityModerate},
			{Pattern: `are you sure`, Intensity: IntensityMild},
			{Pattern: `really\?`, Intensity: IntensityMild},
		},
		Clarifications: []string{
			`what do you mean`,
			`explain (that|more|again)`,
			`i (don'?t|do not) understand`,
			`can you clarify`,
		},
		PolarityPairs: []PolarityPair{
			{Positive: []string{"possible", "allowed", "legal", "permitted"}, Negative: []string{"impossible", "forbidden", "illegal", "prohibited"}},
			{Positive: []string{"can", "may"}, Negative: []string{"cannot", "can't", "may not"}},
			{Positive: []string{"always"}, Negative: []string{"never"}},
			{Positive: []string{"required", "mandatory"}, Negative: []string{"optional"}},
		},
		Complexity: ComplexityKeywords{
			High:   []string{"interaction", "combination", "simultaneously", "edge case", "official ruling", "errata"},
			Medium: []string{"compare", "difference", "strategy", "variant", "expansion"},
			Low:    []string{"cost", "count", "points", "setup"},
		},
		RecoveryTemplates: map[string]string{
			string(IntensityMild):     "Let me double-check that. ",
			string(IntensityModerate): "You may be right, my previous answer might have been off. ",
			string(IntensityStrong):   "You're right, I apologize for the mistake in my previous answer. ",
		},
		Stopwords: []string{
			"the", "and", "for", "are", "but", "not", "you", "all", "can", "had",
			"her", "was", "one", "our", "out", "has", "have", "what", "when",
			"where", "which", "with", "this", "that", "from", "they", "will",
			"would", "there", "their", "about", "then", "them", "these", "some",
			"how", "does", "did", "its", "also", "than", "too", "very", "just",
		},
	}
}

// DefaultRules compiles the built-in rule tables. The builtin set always
// compiles; a failure here is a programming error.
func DefaultRules() *Rules {
	rules, err := Compile(DefaultRuleSet())
	if err != nil {
		panic(fmt.Sprintf("builtin rule set failed to compile: %v", err))
	}
	return rules
}

// RuleProvider hands out the current rule table and supports atomic swaps so
// a watcher can hot-reload rules while analyzers keep running.
type RuleProvider struct {
	current atomic.Pointer[Rules]
}

// NewRuleProvider creates a provider seeded with the given rules.
func NewRuleProvider(rules *Rules) *RuleProvider {
	p := &RuleProvider{}
	p.current.Store(rules)
	return p
}

// Current returns the active rule table.
func (p *RuleProvider) Current() *Rules { return p.current.Load() }

// Swap replaces the active rule table.
func (p *RuleProvider) Swap(rules *Rules) { p.current.Store(rules) }
