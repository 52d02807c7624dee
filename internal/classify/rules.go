package classify

import "regexp"

// The classifier is deliberately table-driven: each concern is an
// ordered list of compiled patterns evaluated deterministically, so
// adding a new phrasing or language is a data change, not a code
// change. English and Chinese phrasings are covered because the skill
// CLIs this bridge fronts emit both.

// completionPatterns mean "done, no next step". A match suppresses
// next-phase extraction entirely.
var completionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\btasks? (is |are )?complete[d]?\b`),
	regexp.MustCompile(`(?i)\ball (tasks? )?done\b`),
	regexp.MustCompile(`(?i)\bfinished\b`),
	regexp.MustCompile(`(?i)\bno (further|next|more) (steps?|actions?)\b`),
	regexp.MustCompile(`(?i)\bnothing (more|left|else) to do\b`),
	regexp.MustCompile(`任务(已)?完成`),
	regexp.MustCompile(`全部完成`),
	regexp.MustCompile(`已(经)?完成`),
	regexp.MustCompile(`没有(下一步|后续)`),
}

// errorPatterns mean "something went wrong". They set the HasError side
// flag independent of the chosen kind.
var errorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\berrors?\b`),
	regexp.MustCompile(`(?i)\bexceptions?\b`),
	regexp.MustCompile(`(?i)\bfail(ed|ure)?\b`),
	regexp.MustCompile(`(?i)\bfatal\b`),
	regexp.MustCompile(`(?i)\bpanic:`),
	regexp.MustCompile(`错误`),
	regexp.MustCompile(`异常`),
	regexp.MustCompile(`失败`),
	regexp.MustCompile(`出错`),
}

// needsInputPatterns mean "waiting on a human". Text ending in a
// question mark is handled separately in Classify.
var needsInputPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)please (provide|enter|input|confirm|specify|choose)`),
	regexp.MustCompile(`(?i)waiting for (your )?(input|response|confirmation|approval)`),
	regexp.MustCompile(`(?i)\bneeds? (your|more|human) (input|information|attention)\b`),
	regexp.MustCompile(`(?i)\bawaiting (input|confirmation)\b`),
	regexp.MustCompile(`请(输入|提供|确认|选择)`),
	regexp.MustCompile(`等待(您的)?(输入|确认|回复)`),
	regexp.MustCompile(`需要(您|你)(的)?(输入|确认)`),
}

// phaseMarkers are labeled next-phase markers, evaluated in order with
// first match winning. Each must have exactly one capture group holding
// the phase text. Both ASCII and fullwidth colons are accepted.
var phaseMarkers = []*regexp.Regexp{
	regexp.MustCompile(`(?im)^\s*NEXT_PHASE[:：]\s*(.+?)\s*$`),
	regexp.MustCompile(`(?im)^\s*next phase[:：]\s*(.+?)\s*$`),
	regexp.MustCompile(`(?im)^\s*next step[:：]\s*(.+?)\s*$`),
	regexp.MustCompile(`(?m)^\s*下一阶段[:：]\s*(.+?)\s*$`),
	regexp.MustCompile(`(?m)^\s*下一步[:：]\s*(.+?)\s*$`),
	regexp.MustCompile(`(?m)^\s*接下来[:：]\s*(.+?)\s*$`),
}

// continuationKeywords indicate the output talks about continuing.
// Their presence adds confidence to an extracted next phase.
var continuationKeywords = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bcontinu(e|ing|ation)\b`),
	regexp.MustCompile(`(?i)\bnext step\b`),
	regexp.MustCompile(`(?i)\bproceed(ing)?\b`),
	regexp.MustCompile(`继续`),
	regexp.MustCompile(`下一步`),
}

// matchAny reports whether any pattern in the set matches s.
func matchAny(patterns []*regexp.Regexp, s string) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// extractPhase runs the labeled markers in order and returns the first
// captured phase text, or "" if none matched.
func extractPhase(s string) string {
	for _, p := range phaseMarkers {
		if m := p.FindStringSubmatch(s); m != nil {
			return m[1]
		}
	}
	return ""
}
