// Package intent interprets the triage completion of the social channel.
package intent

import "strings"

// Kind tells a lead signal apart from an ordinary answer.
type Kind int

const (
	Reply Kind = iota
	Lead
)

func (k Kind) String() string {
	if k == Lead {
		return "lead"
	}
	return "reply"
}

// Sentinel is the phrase the triage instruction asks the model to return on
// lead intent.
const Sentinel = "this is a lead"

// Result is the tagged outcome of classifying one completion. Text carries
// the completion verbatim for Reply results and is empty for Lead.
type Result struct {
	Kind Kind
	Text string
}

// IsLead reports whether the completion signalled lead intent.
func (r Result) IsLead() bool {
	return r.Kind == Lead
}

// Classify maps a completion to a Result. The sentinel matches
// case-insensitively, ignoring surrounding whitespace, quotes and a trailing
// period. Anything else, including text that merely contains the sentinel,
// is a Reply.
func Classify(completion string) Result {
	if normalize(completion) == Sentinel {
		return Result{Kind: Lead}
	}
	return Result{Kind: Reply, Text: completion}
}

func normalize(text string) string {
	s := strings.TrimSpace(text)
	for {
		trimmed := strings.TrimSpace(strings.Trim(s, "\"'`“”‘’"))
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, "."))
		if trimmed == s {
			break
		}
		s = trimmed
	}
	return strings.ToLower(s)
}
