// Package chatguard gates outbound chat messages per sender.
//
// Two independent checks run before a message is sent: a sliding-window
// rate limit (N messages per rolling 60 seconds) and a content
// classifier with allow/warn/block severities. Both produce soft
// results with enough metadata for the sender to wait, edit, or
// override; neither is a hard error. Authoritative abuse enforcement
// lives outside this package.
package chatguard

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

// DefaultLimit is the number of messages allowed per rolling window.
const DefaultLimit = 5

// DefaultWindow is the rolling rate-limit interval.
const DefaultWindow = 60 * time.Second

// Verdict is the content classification severity.
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictWarn  Verdict = "warn"
	VerdictBlock Verdict = "block"
)

// Result is the outcome of a guard check. Allowed is true only when
// the message may be sent as-is.
type Result struct {
	Allowed     bool          `json:"allowed"`
	RateLimited bool          `json:"rateLimited,omitempty"`
	Remaining   int           `json:"remaining"`
	RetryAfter  time.Duration `json:"retryAfter,omitempty"`
	Verdict     Verdict       `json:"verdict"`
	Reason      string        `json:"reason,omitempty"`
}

type rule struct {
	pattern *regexp.Regexp
	verdict Verdict
	reason  string
}

// Rules blocking contact-information sharing intended to route the
// transaction off-platform, and warning on external links.
var defaultRules = []rule{
	{
		pattern: regexp.MustCompile(`(?i)\b(whatsapp|telegram|signal)\b`),
		verdict: VerdictBlock,
		reason:  "sharing off-platform messaging handles is not allowed",
	},
	{
		pattern: regexp.MustCompile(`\b0[0-9]{9}\b|\+27[0-9]{9}\b`),
		verdict: VerdictBlock,
		reason:  "sharing phone numbers is not allowed",
	},
	{
		pattern: regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`),
		verdict: VerdictBlock,
		reason:  "sharing email addresses is not allowed",
	},
	{
		pattern: regexp.MustCompile(`(?i)https?://|www\.`),
		verdict: VerdictWarn,
		reason:  "external links may be unsafe",
	},
	{
		pattern: regexp.MustCompile(`(?i)\b(eft|cash on collection|pay outside|direct deposit)\b`),
		verdict: VerdictWarn,
		reason:  "payment outside the platform is not protected",
	},
}

// Guard tracks per-sender message timestamps and classifies content.
type Guard struct {
	limit  int
	window time.Duration
	rules  []rule

	mu      sync.Mutex
	senders map[string][]time.Time
}

// New creates a guard with the given per-window message limit.
func New(limit int) *Guard {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Guard{
		limit:   limit,
		window:  DefaultWindow,
		rules:   defaultRules,
		senders: make(map[string][]time.Time),
	}
}

// Classify runs the content rules against a message body and returns
// the most severe verdict.
func (g *Guard) Classify(body string) (Verdict, string) {
	body = strings.TrimSpace(body)
	verdict, reason := VerdictAllow, ""
	for _, r := range g.rules {
		if !r.pattern.MatchString(body) {
			continue
		}
		if r.verdict == VerdictBlock {
			return VerdictBlock, r.reason
		}
		if verdict == VerdictAllow {
			verdict, reason = r.verdict, r.reason
		}
	}
	return verdict, reason
}

// Check gates one outbound message. Blocked content is rejected
// outright; warned content passes only with override set (the sender's
// explicit "send anyway"). A sender over the rolling limit gets a
// RateLimited result carrying the remaining quota and how long until
// the window frees a slot. Only an allowed check consumes quota.
func (g *Guard) Check(senderID, body string, override bool) Result {
	verdict, reason := g.Classify(body)
	switch verdict {
	case VerdictBlock:
		return Result{Allowed: false, Verdict: VerdictBlock, Reason: reason, Remaining: g.Remaining(senderID)}
	case VerdictWarn:
		if !override {
			return Result{Allowed: false, Verdict: VerdictWarn, Reason: reason, Remaining: g.Remaining(senderID)}
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	recent := g.prune(senderID, now)

	if len(recent) >= g.limit {
		return Result{
			Allowed:     false,
			RateLimited: true,
			Remaining:   0,
			RetryAfter:  recent[0].Add(g.window).Sub(now),
			Verdict:     verdict,
			Reason:      reason,
		}
	}

	g.senders[senderID] = append(recent, now)
	return Result{
		Allowed:   true,
		Remaining: g.limit - len(recent) - 1,
		Verdict:   verdict,
		Reason:    reason,
	}
}

// Remaining returns the sender's unused quota in the current window.
func (g *Guard) Remaining(senderID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limit - len(g.prune(senderID, time.Now()))
}

// prune drops timestamps older than the window. Caller holds the lock.
func (g *Guard) prune(senderID string, now time.Time) []time.Time {
	cutoff := now.Add(-g.window)
	events := g.senders[senderID]
	i := 0
	for i < len(events) && events[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		events = events[i:]
		if len(events) == 0 {
			delete(g.senders, senderID)
		} else {
			g.senders[senderID] = events
		}
	}
	return events
}
