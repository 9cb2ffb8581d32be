// ABOUTME: Admission control applied before a job is queued
// ABOUTME: Input validation with abuse heuristics, and the daily quota check

package gate

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/2389/nebula-gateway/internal/llm"
	"github.com/2389/nebula-gateway/internal/plans"
)

// Reason says why input was rejected.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonEmpty
	ReasonTooLong
	ReasonTooShort
	ReasonAbusive
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "accepted"
	case ReasonEmpty:
		return "empty"
	case ReasonTooLong:
		return "too_long"
	case ReasonTooShort:
		return "too_short"
	case ReasonAbusive:
		return "abusive"
	default:
		return fmt.Sprintf("Reason(%d)", int(r))
	}
}

// Verdict is the outcome of Validate. On acceptance Text holds the
// normalized input; on rejection Message is what to tell the user.
type Verdict struct {
	OK      bool
	Text    string
	Reason  Reason
	Message string
}

// Options tunes the gate. Zero values take the defaults.
type Options struct {
	MaxLength int
	MinLength int
	// ShortThreshold is the length under which low-content tokens are rejected.
	ShortThreshold int
	// MaxRepeat is the longest run of one character allowed.
	MaxRepeat int
}

// Defaults for Options.
const (
	DefaultMaxLength      = 4000
	DefaultMinLength      = 3
	DefaultShortThreshold = 20
	DefaultMaxRepeat      = 20
)

const invalidInput = "❌ **Invalid Input**\n\nPlease provide meaningful content to process."

var lowContent = regexp.MustCompile(`(?i)\b(spam|test|aaa+|111+)\b`)

// Gate validates input and checks quotas.
type Gate struct {
	opts Options
}

// New creates a gate.
func New(opts Options) *Gate {
	if opts.MaxLength <= 0 {
		opts.MaxLength = DefaultMaxLength
	}
	if opts.MinLength <= 0 {
		opts.MinLength = DefaultMinLength
	}
	if opts.ShortThreshold <= 0 {
		opts.ShortThreshold = DefaultShortThreshold
	}
	if opts.MaxRepeat <= 0 {
		opts.MaxRepeat = DefaultMaxRepeat
	}
	return &Gate{opts: opts}
}

func reject(r Reason, msg string) Verdict {
	return Verdict{Reason: r, Message: msg}
}

// Validate normalizes whitespace and applies the length and abuse rules.
func (g *Gate) Validate(text string) Verdict {
	if strings.TrimSpace(text) == "" {
		return reject(ReasonEmpty, "❌ **Empty Input**\n\nPlease provide some text to process.")
	}

	cleaned := strings.Join(strings.Fields(text), " ")
	n := utf8.RuneCountInString(cleaned)

	if n > g.opts.MaxLength {
		return reject(ReasonTooLong, fmt.Sprintf(
			"❌ **Input Too Long**\n\nPlease keep your message under %d characters.\n\n**Current length**: %d characters",
			g.opts.MaxLength, n))
	}
	if n < g.opts.MinLength {
		return reject(ReasonTooShort, fmt.Sprintf("❌ **Input Too Short**\n\nPlease provide at least %d characters.", g.opts.MinLength))
	}
	if n < g.opts.ShortThreshold && lowContent.MatchString(cleaned) {
		return reject(ReasonAbusive, invalidInput)
	}
	if longestRun(cleaned) > g.opts.MaxRepeat {
		return reject(ReasonAbusive, invalidInput)
	}

	return Verdict{OK: true, Text: cleaned}
}

// longestRun returns the length of the longest run of one repeated rune.
func longestRun(s string) int {
	var (
		best, cur int
		prev      rune = -1
	)
	for _, r := range s {
		if r == prev {
			cur++
		} else {
			prev, cur = r, 1
		}
		best = max(best, cur)
	}
	return best
}

// Usage is what a user has consumed today.
type Usage struct {
	ImagesUsed int
	TokensUsed int
}

// Decision is the outcome of CheckQuota.
type Decision struct {
	OK      bool
	Message string
}

// CheckQuota rejects the request when the counter that applies to caps has
// reached its limit. Image jobs count images; everything else counts tokens.
func CheckQuota(usage Usage, limits plans.Limits, caps llm.CapabilitySet) Decision {
	if caps.WantsImage() {
		if limits.DailyImages != plans.Unlimited && usage.ImagesUsed >= limits.DailyImages {
			return Decision{Message: fmt.Sprintf(
				"😔 **Daily Image Limit Reached!**\n\n"+
					"You have used your quota of %d images for today using the `/image` command. "+
					"Your limit will reset tomorrow.\n\n"+
					"To upgrade your plan, please contact the admin.",
				limits.DailyImages)}
		}
		return Decision{OK: true}
	}
	if limits.DailyTokens != plans.Unlimited && usage.TokensUsed >= limits.DailyTokens {
		return Decision{Message: "😔 **Daily Chat Limit Reached!**\n\n" +
			"You have used your chat quota for today. " +
			"Your limit will reset tomorrow.\n\n" +
			"To get more credits, please contact the admin."}
	}
	return Decision{OK: true}
}
