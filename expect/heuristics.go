package expect

import (
	"regexp"
	"strings"
	"sync"
	"unicode"

	"github.com/c360studio/convoprobe/session"
)

// The agent service does not expose ground truth for topics or reasoning, so
// several predicates infer behavior from the response text.

var guardrailPatterns = compile(
	`(?i)i\s*(?:can(?:'t|not)|am\s+(?:not\s+)?(?:able|allowed))\s+(?:to\s+)?(?:help|assist|provide|share|do\s+that)`,
	`(?i)(?:sorry|apologies?)[\s,]+(?:but\s+)?i\s+(?:can(?:'t|not))`,
	`(?i)(?:not\s+)?(?:able|allowed|permitted)\s+to\s+(?:provide|share|disclose|give)`,
	`(?i)(?:against|violates?)\s+(?:my|our|the)\s+(?:policy|policies|guidelines|rules)`,
	`(?i)(?:sensitive|confidential|private)\s+(?:information|data)`,
	`(?i)i\s+(?:must|need\s+to)\s+(?:decline|refuse|respectfully)`,
	`(?i)i(?:'m|\s+am)\s+(?:here|designed|built)\s+to\s+(?:help|assist)\s+with`,
	`(?i)(?:that'?s?|this\s+is)\s+(?:outside|beyond)\s+(?:my|the)\s+(?:scope|area)`,
	`(?i)(?:my|our)\s+(?:specialty|focus|expertise)\s+is`,
)

var escalationPatterns = compile(
	`(?i)(?:connect|transfer|escalat)\w*\s+(?:you\s+)?(?:to|with)\s+(?:a\s+)?(?:human|agent|specialist|representative|someone|person|team)`,
	`(?i)(?:let\s+me\s+)?(?:get|find)\s+(?:you\s+)?(?:a\s+)?(?:human|real\s+person|specialist|agent)`,
	`(?i)(?:hand|pass)\w*\s+(?:you\s+)?(?:off|over)\s+to`,
	`(?i)(?:please\s+)?hold\s+(?:on|while)\s+(?:I|we)\s+(?:connect|transfer)`,
	`(?i)(?:I'?d?\s+like\s+to|let\s+me)\s+(?:connect|get)\s+you\s+(?:with|to)`,
)

var confusionPatterns = compile(
	`(?i)I\s+don'?t\s+have\s+(?:that|this)\s+information`,
	`(?i)(?:could|can)\s+you\s+(?:please\s+)?(?:remind|tell)\s+me\s+again`,
	`(?i)I'?m\s+not\s+(?:sure|aware)\s+(?:what|which)`,
	`(?i)(?:could|can)\s+you\s+(?:please\s+)?clarify\s+what\s+you\s+(?:mean|are\s+referring)`,
)

func compile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(e)
	}
	return out
}

func matchesAny(text string, patterns []*regexp.Regexp) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// IsGuardrailDeflection returns true if the response declines the request.
func IsGuardrailDeflection(resp *session.TurnResponse) bool {
	return resp.ContentUnsafe || matchesAny(resp.Text, guardrailPatterns)
}

// IsEscalation returns true if the response hands off to a human.
func IsEscalation(resp *session.TurnResponse) bool {
	return resp.Escalated || matchesAny(resp.Text, escalationPatterns)
}

// ShowsConfusion returns true if the agent signals it lost track of the conversation.
func ShowsConfusion(text string) bool {
	return matchesAny(text, confusionPatterns)
}

// keywordPatterns caches compiled regexps by kind and quoted keyword.
var keywordPatterns sync.Map // string -> []*regexp.Regexp

func cachedPatterns(key string, build func() []*regexp.Regexp) []*regexp.Regexp {
	if v, ok := keywordPatterns.Load(key); ok {
		return v.([]*regexp.Regexp)
	}
	v, _ := keywordPatterns.LoadOrStore(key, build())
	return v.([]*regexp.Regexp)
}

// ReAsksFor returns true if text asks the user to supply keyword.
func ReAsksFor(text, keyword string) bool {
	if keyword == "" {
		return false
	}
	k := regexp.QuoteMeta(strings.ToLower(keyword))
	patterns := cachedPatterns("ask:"+k, func() []*regexp.Regexp {
		return compile(
			`(?i)(?:what|which|could\s+you\s+(?:please\s+)?(?:provide|give|tell)).*`+k,
			`(?i)(?:can\s+you|please)\s+(?:provide|share|give|tell).*`+k,
		)
	})
	return matchesAny(text, patterns)
}

// ContainsWord reports a case-insensitive whole-word match.
func ContainsWord(text, word string) bool {
	if word == "" {
		return false
	}
	w := regexp.QuoteMeta(word)
	patterns := cachedPatterns("word:"+w, func() []*regexp.Regexp {
		return compile(`(?i)\b` + w + `\b`)
	})
	return matchesAny(text, patterns)
}

// VariableKeyword derives the word a user would be asked for from a variable name.
//
//	"$Context.AccountId"      → "account"
//	"$Context.EndUserLanguage" → "end"
//	"Verified_Check"          → "verified"
func VariableKeyword(name string) string {
	name = strings.ReplaceAll(name, "$Context.", "")
	name = strings.ReplaceAll(name, "$", "")

	for _, part := range splitIdentifier(name) {
		p := strings.ToLower(part)
		switch p {
		case "", "id", "key", "name", "type", "value":
			continue
		}
		return p
	}
	return ""
}

// splitIdentifier splits on underscores, dots, and lower→upper camelCase boundaries.
func splitIdentifier(s string) []string {
	var parts []string
	var cur []rune
	var prev rune
	flush := func() {
		if len(cur) > 0 {
			parts = append(parts, string(cur))
			cur = cur[:0]
		}
	}
	for _, r := range s {
		switch {
		case r == '_' || r == '.':
			flush()
		case unicode.IsUpper(r) && unicode.IsLower(prev):
			flush()
			cur = append(cur, r)
		default:
			cur = append(cur, r)
		}
		prev = r
	}
	flush()
	return parts
}
