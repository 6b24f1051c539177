package reply

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// DefaultCoordinationPhrases are claims of working with other assistants.
// There is exactly one assistant, so such claims are always false.
var DefaultCoordinationPhrases = []string{
	"I've coordinated with Celeste",
	"I'll coordinate with the team",
	"I've arranged for",
	"I'll have Celeste",
	"I've contacted other assistants",
}

// DefaultReplacement is substituted for a filtered phrase.
const DefaultReplacement = "I looked into this myself"

// Config selects what Filter rewrites.
type Config struct {
	// Phrases are replaced case-insensitively. Nil means
	// DefaultCoordinationPhrases; an empty slice disables replacement.
	Phrases []string `yaml:"phrases"`

	Replacement string `yaml:"replacement"`

	// StripEmphasis removes markdown bold and italic asterisks.
	StripEmphasis bool `yaml:"strip_emphasis"`
}

// Filter rewrites assistant replies. The zero value passes text through.
type Filter struct {
	phrases       *regexp.Regexp
	replacement   string
	stripEmphasis bool
}

// NewFilter compiles cfg.
func NewFilter(cfg Config) (*Filter, error) {
	phrases := cfg.Phrases
	if phrases == nil {
		phrases = DefaultCoordinationPhrases
	}
	f := &Filter{
		replacement:   cfg.Replacement,
		stripEmphasis: cfg.StripEmphasis,
	}
	if f.replacement == "" {
		f.replacement = DefaultReplacement
	}

	var quoted []string
	for _, p := range phrases {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		quoted = append(quoted, regexp.QuoteMeta(p))
	}
	if len(quoted) == 0 {
		return f, nil
	}
	// Longest first so overlapping phrases match the fuller one.
	sort.SliceStable(quoted, func(i, j int) bool { return len(quoted[i]) > len(quoted[j]) })

	re, err := regexp.Compile(`(?i)` + strings.Join(quoted, "|"))
	if err != nil {
		return nil, fmt.Errorf("compile reply phrases: %w", err)
	}
	f.phrases = re
	return f, nil
}

// Apply returns text with configured phrases replaced. Surrounding
// whitespace is left to the caller.
func (f *Filter) Apply(text string) string {
	if f == nil {
		return text
	}
	if f.phrases != nil {
		text = f.phrases.ReplaceAllLiteralString(text, f.replacement)
	}
	if f.stripEmphasis {
		text = strings.ReplaceAll(text, "**", "")
		text = strings.ReplaceAll(text, "*", "")
	}
	return text
}
