// Package reply post-processes assistant text before it is chunked and sent.
package reply

import (
	"regexp"
	"strings"
)

// SilentReplyToken is what the assistant answers when nothing should be
// posted, e.g. a scheduled briefing with nothing to report.
const SilentReplyToken = "NO_REPLY"

var (
	silentPrefix = regexp.MustCompile(`^\s*` + regexp.QuoteMeta(SilentReplyToken) + `(?:$|\W)`)
	silentSuffix = regexp.MustCompile(`\b` + regexp.QuoteMeta(SilentReplyToken) + `\b\W*$`)
	stripPrefix  = regexp.MustCompile(`^\s*` + regexp.QuoteMeta(SilentReplyToken) + `\b\s*`)
	stripSuffix  = regexp.MustCompile(`\s*\b` + regexp.QuoteMeta(SilentReplyToken) + `\b\W*$`)
)

// IsSilent reports whether text starts or ends with the silent token.
func IsSilent(text string) bool {
	if text == "" {
		return false
	}
	return silentPrefix.MatchString(text) || silentSuffix.MatchString(text)
}

// StripSilentToken removes the silent token from both ends of text.
func StripSilentToken(text string) string {
	if text == "" {
		return text
	}
	text = stripPrefix.ReplaceAllString(text, "")
	text = stripSuffix.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}
