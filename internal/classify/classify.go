// Package classify turns raw skill CLI output into a structured control
// signal. Classification is a pure function of the output text: a
// best-effort heuristic over pattern tables, never an error. Callers
// decide what to do with low confidence; this package only reports it.
package classify

import (
	"strings"
)

// Kind is the primary classification of an invocation's output.
type Kind string

const (
	// KindCompleted means the output declared the work finished.
	KindCompleted Kind = "completed"
	// KindErrored means the output reported a failure and no usable
	// continuation was found.
	KindErrored Kind = "errored"
	// KindNeedsInput means the output is waiting on a human.
	KindNeedsInput Kind = "needs_input"
	// KindContinue means a next phase was extracted and the tool wants
	// another automatic invocation.
	KindContinue Kind = "continue"
)

// Signal is the structured result of classifying one output. HasError
// and NeedsInput are side flags, not alternative kinds: an output can
// carry a Continue kind and still have HasError set, and the caller
// must see both.
type Signal struct {
	Kind Kind `json:"kind"`
	// NextPhase is present only when Kind is KindContinue.
	NextPhase string `json:"next_phase,omitempty"`
	// Confidence estimates how reliable the signal is, in [0,1].
	Confidence float64 `json:"confidence"`
	// HasError reports that an error pattern matched, regardless of Kind.
	HasError bool `json:"has_error"`
	// NeedsInput reports that an input-request pattern matched,
	// regardless of Kind.
	NeedsInput bool `json:"needs_input"`
	// FromFallback reports that NextPhase came from the last-line
	// heuristic rather than a labeled marker.
	FromFallback bool `json:"from_fallback,omitempty"`
	// Summary is a human-readable rendering for the chat response.
	Summary string `json:"summary"`
}

// Options tune heuristic behavior.
type Options struct {
	// FallbackExtraction enables using the last non-empty output line
	// as the next phase when no labeled marker matches. The heuristic
	// has no principled derivation; it exists so chatty CLIs that never
	// print markers can still loop, at reduced confidence.
	FallbackExtraction bool
}

// Classifier evaluates the pattern tables against output text.
type Classifier struct {
	opts Options
}

// New creates a Classifier.
func New(opts Options) *Classifier {
	return &Classifier{opts: opts}
}

// Classify derives a Signal from one invocation's stdout. command is
// the text that was executed; it appears only in the summary. The same
// (command, stdout) pair always yields the same Signal.
func (c *Classifier) Classify(command, stdout string) Signal {
	sig := Signal{}

	completed := matchAny(completionPatterns, stdout)
	sig.HasError = matchAny(errorPatterns, stdout)
	sig.NeedsInput = matchAny(needsInputPatterns, stdout) || endsWithQuestion(stdout)

	// Completion suppresses next-phase extraction entirely: a tool that
	// says it is done does not get re-invoked because of leftover
	// phase-looking text elsewhere in its output.
	if !completed {
		if phase := extractPhase(stdout); phase != "" {
			sig.NextPhase = phase
		} else if c.opts.FallbackExtraction {
			if line := lastNonEmptyLine(stdout); line != "" &&
				!matchAny(completionPatterns, line) &&
				!matchAny(errorPatterns, line) {
				sig.NextPhase = line
				sig.FromFallback = true
			}
		}
	}

	switch {
	case completed:
		sig.Kind = KindCompleted
		sig.Confidence = 1.0
	case sig.NextPhase != "":
		sig.Kind = KindContinue
		sig.Confidence = continueConfidence(sig, stdout)
	case sig.HasError:
		sig.Kind = KindErrored
		sig.Confidence = 1.0
	case sig.NeedsInput:
		sig.Kind = KindNeedsInput
		sig.Confidence = 1.0
	default:
		// Nothing matched at all. The output gave no machine-readable
		// signal, so a human has to look at it: report needs-input with
		// zero confidence rather than inventing a continuation.
		sig.Kind = KindNeedsInput
		sig.NeedsInput = true
		sig.Confidence = 0
	}

	sig.Summary = buildSummary(command, stdout, sig)
	return sig
}

// continueConfidence scores an extracted next phase:
// +0.6 for a labeled marker (not the fallback heuristic),
// +0.2 when the phase text exceeds 10 characters,
// +0.2 when the output contains a continuation keyword,
// capped at 1.0.
func continueConfidence(sig Signal, stdout string) float64 {
	// Score in tenths so repeated float addition cannot drift.
	score := 0
	if !sig.FromFallback {
		score += 6
	}
	if len([]rune(sig.NextPhase)) > 10 {
		score += 2
	}
	if matchAny(continuationKeywords, stdout) {
		score += 2
	}
	if score > 10 {
		score = 10
	}
	return float64(score) / 10
}

// endsWithQuestion reports whether the trimmed output ends with an
// ASCII or fullwidth question mark.
func endsWithQuestion(s string) bool {
	t := strings.TrimSpace(s)
	return strings.HasSuffix(t, "?") || strings.HasSuffix(t, "？")
}

// lastNonEmptyLine returns the final line of s with content, or "".
func lastNonEmptyLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

// summaryExcerptLimit caps the stdout excerpt in summaries.
const summaryExcerptLimit = 200

// statusGlyph maps a signal to the glyph shown in chat.
func statusGlyph(sig Signal) string {
	switch sig.Kind {
	case KindCompleted:
		return "✅"
	case KindContinue:
		return "🔄"
	case KindNeedsInput:
		return "⌨️"
	default:
		return "❌"
	}
}

// statusLine renders the one-line status for a signal.
func statusLine(sig Signal) string {
	switch sig.Kind {
	case KindCompleted:
		return "completed"
	case KindContinue:
		return "continuing"
	case KindNeedsInput:
		return "waiting for input"
	default:
		return "failed"
	}
}

// buildSummary assembles the human-readable summary: status line,
// echoed command, next phase if any, and a bounded stdout excerpt.
func buildSummary(command, stdout string, sig Signal) string {
	var b strings.Builder
	b.WriteString(statusGlyph(sig))
	b.WriteString(" ")
	b.WriteString(statusLine(sig))
	b.WriteString("\n")
	b.WriteString("Command: ")
	b.WriteString(command)
	if sig.NextPhase != "" {
		b.WriteString("\nNext phase: ")
		b.WriteString(sig.NextPhase)
	}
	if excerpt := excerptOf(stdout); excerpt != "" {
		b.WriteString("\n")
		b.WriteString(excerpt)
	}
	return b.String()
}

// excerptOf returns at most summaryExcerptLimit runes of trimmed
// output, with an ellipsis when truncated.
func excerptOf(s string) string {
	t := strings.TrimSpace(s)
	runes := []rune(t)
	if len(runes) <= summaryExcerptLimit {
		return t
	}
	return string(runes[:summaryExcerptLimit]) + "…"
}
