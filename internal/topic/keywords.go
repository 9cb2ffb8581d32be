// ABOUTME: Keyword extraction and topic similarity used to track what a user is talking about
// ABOUTME: Heuristic only: lower-cased alphabetic tokens minus stopwords, compared with Jaccard

package topic

import (
	"regexp"
	"strings"
)

// DefaultMaxKeywords caps how many keywords Extract keeps from one message.
const DefaultMaxKeywords = 10

// DefaultDriftThreshold is how different two keyword sets must be before a
// change of topic is assumed. Similarity below 1-threshold counts as drift.
const DefaultDriftThreshold = 0.7

// DefaultResetPhrases are the phrases that explicitly start a new conversation.
var DefaultResetPhrases = []string{
	"new topic",
	"change subject",
	"something else",
	"different question",
	"by the way",
	"btw",
	"moving on",
	"next question",
	"different topic",
}

var wordPattern = regexp.MustCompile(`\b[a-z]{3,}\b`)

var stopwords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`
		the a an and or but in on at to for of with by from up about into
		through during before after above below between among is are was were
		be been being have has had do does did will would could should may
		might must can this that these those i you he she it we they me him
		her us them my your his its our their`) {
		stopwords[w] = struct{}{}
	}
}

// Keywords is a small insertion-ordered set of topic words.
type Keywords []string

// Contains reports whether w is in the set.
func (k Keywords) Contains(w string) bool {
	for _, v := range k {
		if v == w {
			return true
		}
	}
	return false
}

// Intersects reports whether the two sets share at least one word.
func (k Keywords) Intersects(other Keywords) bool {
	for _, w := range k {
		if other.Contains(w) {
			return true
		}
	}
	return false
}

// Union returns k followed by the words of other not already in k,
// truncated to max entries. A max of zero or less means no cap.
func (k Keywords) Union(other Keywords, max int) Keywords {
	out := make(Keywords, 0, len(k)+len(other))
	out = append(out, k...)
	for _, w := range other {
		if !out.Contains(w) {
			out = append(out, w)
		}
	}
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}

// Clone returns a copy that shares no backing array with k.
func (k Keywords) Clone() Keywords {
	if k == nil {
		return nil
	}
	out := make(Keywords, len(k))
	copy(out, k)
	return out
}

// Extract pulls up to max topic keywords out of text, in order of first appearance.
func Extract(text string, max int) Keywords {
	if max <= 0 {
		max = DefaultMaxKeywords
	}
	var out Keywords
	for _, w := range wordPattern.FindAllString(strings.ToLower(text), -1) {
		if _, stop := stopwords[w]; stop {
			continue
		}
		if out.Contains(w) {
			continue
		}
		out = append(out, w)
		if len(out) == max {
			break
		}
	}
	return out
}

// Jaccard returns |a ∩ b| / |a ∪ b|, or 0 when both sets are empty.
func Jaccard(a, b Keywords) float64 {
	var inter int
	for _, w := range a {
		if b.Contains(w) {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Drifted reports whether next looks like a different topic from prev.
// Empty sets never count as drift.
func Drifted(prev, next Keywords, threshold float64) bool {
	if len(prev) == 0 || len(next) == 0 {
		return false
	}
	return Jaccard(prev, next) < 1-threshold
}

// ExplicitReset reports whether text contains any of the reset phrases,
// ignoring case.
func ExplicitReset(text string, phrases []string) bool {
	lower := strings.ToLower(text)
	for _, p := range phrases {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
