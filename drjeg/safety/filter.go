// Package safety inspects text crossing the model boundary in both
// directions. The policy is a set of category rules with compiled
// patterns; given the same input and rules the outcome is deterministic.
package safety

import (
	"regexp"
)

// Direction of the text relative to the model
type Direction string

const (
	// Outbound is user text about to be sent to the model
	Outbound Direction = "outbound"
	// Inbound is model text about to be stored and returned
	Inbound Direction = "inbound"
)

// Result of inspecting one piece of text. Text always carries content
// that is safe to proceed with: the original on pass, the fallback when
// inbound content was rejected.
type Result struct {
	Pass   bool
	Text   string
	Reason string
}

// Rule is one policy category with its trigger patterns
type Rule struct {
	Category string
	Patterns []string

	compiled []*regexp.Regexp
}

// Filter applies the policy rule set
type Filter struct {
	rules    []Rule
	fallback string
}

// DefaultRules returns the baseline health-assistant policy: no
// controlled-substance dosing instructions and no self-harm methods.
func DefaultRules() []Rule {
	return []Rule{
		{
			Category: "controlled_substance_dosing",
			Patterns: []string{
				`(?i)\b(dose|dosage|dosing|how\s+(much|many))\b[^.?!]*\b(oxycodone|fentanyl|morphine|codeine|xanax|valium|adderall|ritalin|ketamine|opioid|benzodiazepine)s?\b`,
				`(?i)\b(oxycodone|fentanyl|morphine|codeine|xanax|valium|adderall|ritalin|ketamine)s?\b[^.?!]*\b(dose|dosage|dosing|how\s+(much|many))\b`,
			},
		},
		{
			Category: "self_harm",
			Patterns: []string{
				`(?i)\b(how\s+to|ways?\s+to|best\s+way\s+to)\b[^.?!]*\b(kill|harm|hurt|cut)\s+(myself|yourself|oneself)\b`,
				`(?i)\b(how\s+to|ways?\s+to|best\s+way\s+to)\b[^.?!]*\b(end\s+(my|your)\s+life|commit\s+suicide)\b`,
				`(?i)\bpainless\s+(suicide|overdose)\b`,
			},
		},
		{
			Category: "prescription_forgery",
			Patterns: []string{
				`(?i)\b(fake|forge|forging|counterfeit)\b[^.?!]*\bprescription\b`,
			},
		},
	}
}

// NewFilter builds a filter from the given rules; the fallback string
// replaces rejected inbound content before storage.
func NewFilter(rules []Rule, fallback string) (*Filter, error) {
	compiled := make([]Rule, 0, len(rules))
	for _, rule := range rules {
		r := Rule{Category: rule.Category, Patterns: rule.Patterns}
		for _, pattern := range rule.Patterns {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, err
			}
			r.compiled = append(r.compiled, re)
		}
		compiled = append(compiled, r)
	}

	if fallback == "" {
		fallback = "I can't help with that. Please talk to a healthcare professional about this topic."
	}

	return &Filter{rules: compiled, fallback: fallback}, nil
}

// MustNewFilter is NewFilter that panics on invalid patterns; for use
// with compile-time constant rule sets.
func MustNewFilter(rules []Rule, fallback string) *Filter {
	f, err := NewFilter(rules, fallback)
	if err != nil {
		panic(err)
	}
	return f
}

// Inspect checks text against the policy. An outbound match means the
// turn must be aborted before the model is called; an inbound match
// means the assistant text is replaced with the fallback.
func (f *Filter) Inspect(text string, direction Direction) Result {
	for _, rule := range f.rules {
		for _, re := range rule.compiled {
			if re.MatchString(text) {
				result := Result{Pass: false, Reason: rule.Category}
				if direction == Inbound {
					result.Text = f.fallback
				}
				return result
			}
		}
	}
	return Result{Pass: true, Text: text}
}

// Fallback returns the replacement string used for rejected inbound text
func (f *Filter) Fallback() string {
	return f.fallback
}
