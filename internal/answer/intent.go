// Package answer turns retrieved passages into a cited answer.
package answer

import (
	"fmt"
	"regexp"
	"strings"
)

// Intent is the coarse purpose of a question.
type Intent int

const (
	IntentResearch Intent = iota
	IntentCompliance
	IntentAnalytics
	IntentCitation
)

func (i Intent) String() string {
	switch i {
	case IntentCompliance:
		return "compliance"
	case IntentAnalytics:
		return "analytics"
	case IntentCitation:
		return "citation"
	default:
		return "research"
	}
}

// MarshalText renders the intent by name in JSON output.
func (i Intent) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText parses an intent name.
func (i *Intent) UnmarshalText(b []byte) error {
	for _, v := range []Intent{IntentResearch, IntentCompliance, IntentAnalytics, IntentCitation} {
		if v.String() == string(b) {
			*i = v
			return nil
		}
	}
	return fmt.Errorf("unknown intent %q", b)
}

// Keyword patterns, checked in order; the first match wins.
var (
	compliancePattern = regexp.MustCompile(`(?i)\b(comply|complian\w*|regulations?|regulatory|gdpr|ai act|requirements?|violations?|breach(es)? of|gaps?)\b`)
	analyticsPattern  = regexp.MustCompile(`(?i)\b(how many|count|statistics|trends?|distribution|aggregate|breakdown|summary)\b`)
	citationPattern   = regexp.MustCompile(`(?i)\b(cite|citations?|references?|sources?|page number|where does it say|exact location)\b`)
)

type intentRule struct {
	intent  Intent
	pattern *regexp.Regexp
}

// Classifier assigns an Intent by keyword tables. It never fails; anything
// unmatched is research.
type Classifier struct {
	rules []intentRule
}

// NewClassifier returns the default keyword classifier.
func NewClassifier() *Classifier {
	return &Classifier{rules: []intentRule{
		{IntentCompliance, compliancePattern},
		{IntentAnalytics, analyticsPattern},
		{IntentCitation, citationPattern},
	}}
}

// Classify returns the intent of query.
func (c *Classifier) Classify(query string) Intent {
	query = strings.TrimSpace(query)
	for _, r := range c.rules {
		if r.pattern.MatchString(query) {
			return r.intent
		}
	}
	return IntentResearch
}
