// Package command implements command resolution for chat messages: redirect
// detection, response variable substitution, role gating, and cooldown
// tracking. It is pure logic over plain records; no chat SDK types appear here.
package command

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"github.com/onnwee/streamwarden/backend/repo"
)

// Invocation is one parsed command message.
type Invocation struct {
	ChannelID   string
	ChannelName string
	UserName    string // invoking user's display name
	UserRole    repo.Role
	Command     string // command word, prefix stripped, lowercased
	Query       string // text after the command word
}

// ParseInvocation splits a raw chat line into command word and query text.
// Returns ok=false when the line does not start with the prefix.
func ParseInvocation(prefix, text string) (cmd, query string, ok bool) {
	if prefix == "" || !strings.HasPrefix(text, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(text, prefix)
	if rest == "" {
		return "", "", false
	}
	parts := strings.SplitN(rest, " ", 2)
	cmd = strings.ToLower(strings.TrimSpace(parts[0]))
	if cmd == "" {
		return "", "", false
	}
	if len(parts) == 2 {
		query = strings.TrimSpace(parts[1])
	}
	return cmd, query, true
}

// Outcome says what the dispatcher should do with a resolved command.
type Outcome int

const (
	// OutcomeReply sends Response as literal chat text.
	OutcomeReply Outcome = iota
	// OutcomeRedirect re-dispatches Target as if the user had typed it,
	// with Query carried over. One level only.
	OutcomeRedirect
	// OutcomeBuiltin dispatches to the compiled-in handler named Target.
	OutcomeBuiltin
	// OutcomeDenied means the user's role is below the command's minimum.
	OutcomeDenied
	// OutcomeDisabled means the command exists but is switched off.
	OutcomeDisabled
)

// Resolution is the dispatcher's instruction for one invocation.
type Resolution struct {
	Outcome  Outcome
	Target   string // builtin handler name or redirect target command
	Response string // literal reply text (OutcomeReply)
	Query    string // query text, carried through redirects
}

// Resolve decides what a command config means for an invocation. followRedirect
// reports whether this resolution is already one hop deep: a redirect found
// then is returned as literal text instead of being followed again.
func Resolve(prefix string, cfg *repo.CommandConfig, inv Invocation, followRedirect bool) Resolution {
	if !cfg.Enabled {
		return Resolution{Outcome: OutcomeDisabled}
	}
	if inv.UserRole.Rank() < cfg.MinRole.Rank() {
		return Resolution{Outcome: OutcomeDenied}
	}
	if cfg.Type == repo.CommandBuiltin {
		return Resolution{Outcome: OutcomeBuiltin, Target: cfg.Name, Query: inv.Query}
	}

	resp := cfg.Response
	if followRedirect && strings.HasPrefix(resp, prefix) {
		target, extra, ok := ParseInvocation(prefix, resp)
		if ok {
			// The configured target may embed $(query); the invocation's own
			// query text substitutes into it. Otherwise the query passes
			// through for the target's own processing.
			q := inv.Query
			if extra != "" {
				q = strings.ReplaceAll(extra, "$(query)", inv.Query)
			}
			return Resolution{Outcome: OutcomeRedirect, Target: target, Query: q}
		}
	}
	return Resolution{
		Outcome:  OutcomeReply,
		Response: Substitute(resp, inv),
		Query:    inv.Query,
	}
}

// Substitute expands response variables. Tokens are applied in a fixed order
// -- $(user), $(query), $(channel), $(random A,B), $(pick ...) -- and each
// token's output is inserted literally, never re-expanded: the expansion walks
// the template once, left to right.
func Substitute(template string, inv Invocation) string {
	var b strings.Builder
	rest := template
	for {
		i := strings.Index(rest, "$(")
		if i < 0 {
			b.WriteString(rest)
			return b.String()
		}
		b.WriteString(rest[:i])
		end := strings.Index(rest[i:], ")")
		if end < 0 {
			// unterminated token: emit as-is
			b.WriteString(rest[i:])
			return b.String()
		}
		token := rest[i+2 : i+end]
		b.WriteString(expandToken(token, inv))
		rest = rest[i+end+1:]
	}
}

func expandToken(token string, inv Invocation) string {
	switch {
	case token == "user":
		return inv.UserName
	case token == "query":
		return inv.Query
	case token == "channel":
		return inv.ChannelName
	case strings.HasPrefix(token, "random "):
		return randomToken(strings.TrimPrefix(token, "random "))
	case strings.HasPrefix(token, "pick "):
		return pickToken(strings.TrimPrefix(token, "pick "))
	default:
		// unknown tokens pass through untouched
		return "$(" + token + ")"
	}
}

// randomToken returns a uniform integer in [A,B] inclusive, swapping when
// A > B. Malformed bounds pass the token through.
func randomToken(args string) string {
	parts := strings.SplitN(args, ",", 2)
	if len(parts) != 2 {
		return "$(random " + args + ")"
	}
	a, errA := strconv.Atoi(strings.TrimSpace(parts[0]))
	b, errB := strconv.Atoi(strings.TrimSpace(parts[1]))
	if errA != nil || errB != nil {
		return "$(random " + args + ")"
	}
	if a > b {
		a, b = b, a
	}
	//nolint:gosec // G404: chat flavor text, not security-sensitive
	return fmt.Sprintf("%d", a+rand.Intn(b-a+1))
}

// pickToken returns one comma-separated literal item uniformly at random;
// an empty list yields the empty string.
func pickToken(args string) string {
	var items []string
	for _, p := range strings.Split(args, ",") {
		if p = strings.TrimSpace(p); p != "" {
			items = append(items, p)
		}
	}
	if len(items) == 0 {
		return ""
	}
	//nolint:gosec // G404: chat flavor text, not security-sensitive
	return items[rand.Intn(len(items))]
}
