// Package redact scrubs secrets from strings before they are logged or returned to users.
package redact

import (
	"regexp"
	"strings"
)

type rule struct {
	re   *regexp.Regexp
	repl string
}

// rules run in order; the URL rule must precede the key=value rule so query keys keep their name.
var rules = []rule{
	// "Bearer <token>" (JWTs and opaque tokens).
	{regexp.MustCompile(`(?i)\bBearer\s+[^\s"']+`), "Bearer <redacted>"},
	// ?key=... on request URLs.
	{regexp.MustCompile(`([?&](?:key|api_key|access_token)=)[^&\s"']+`), "${1}<redacted>"},
	// key=value and key: value forms that leak through config and SDK errors.
	{regexp.MustCompile(`(?i)\b(api[_-]?key|gemini[_-]?api[_-]?key|foundry[_-]?token|token)\b\s*[:=]\s*[^\s"'&]+`), "<redacted_kv>"},
	// Google API keys and "sk-" style provider keys.
	{regexp.MustCompile(`\bAIza[0-9A-Za-z_\-]{20,}`), "<redacted_key>"},
	{regexp.MustCompile(`\bsk-[0-9A-Za-z_\-]{16,}`), "<redacted_key>"},
}

// Secrets removes obvious secret-bearing substrings from error/log strings.
func Secrets(s string) string {
	if s == "" {
		return ""
	}
	for _, r := range rules {
		s = r.re.ReplaceAllString(s, r.repl)
	}
	return strings.TrimSpace(s)
}

// Snippet returns a single-line, redacted prefix of s at most max bytes long (before the "..."
// marker). It is meant for response bodies and model output that end up in logs.
func Snippet(s string, max int) string {
	truncated := max > 0 && len(s) > max
	if truncated {
		s = s[:max]
	}
	s = strings.Join(strings.Fields(Secrets(s)), " ")
	if s == "" {
		return ""
	}
	if truncated {
		return s + "..."
	}
	return s
}
