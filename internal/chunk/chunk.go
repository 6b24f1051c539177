// Package chunk splits outbound replies into transport-sized segments.
//
// Segments are measured in runes, which is how chat platforms count message
// length. Joining the segments in order reproduces the input exactly.
package chunk

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DiscordLimit is Discord's maximum message length.
const DiscordLimit = 2000

// ChannelLimits defines default message size limits for the transports
// threadline can post to.
var ChannelLimits = map[string]int{
	"discord":  DiscordLimit,
	"terminal": 0,
}

// LimitFor returns the message size limit for a transport. Zero means
// unlimited.
func LimitFor(transport string) int {
	return ChannelLimits[strings.ToLower(transport)]
}

// Split splits text into segments of at most max runes each.
//
// Each segment ends just after the last whitespace rune inside the window so
// words are not cut. When the window holds no whitespace the segment is cut
// hard at max runes. Whitespace is kept, never trimmed, so
// strings.Join(Split(text, max), "") == text.
func Split(text string, max int) []string {
	if text == "" {
		return nil
	}
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return []string{text}
	}

	var segments []string
	remaining := text
	for utf8.RuneCountInString(remaining) > max {
		cut := breakIndex(remaining, max)
		segments = append(segments, remaining[:cut])
		remaining = remaining[cut:]
	}
	if remaining != "" {
		segments = append(segments, remaining)
	}
	return segments
}

// breakIndex returns the byte offset at which the next segment of s ends.
// s must hold more than max runes.
func breakIndex(s string, max int) int {
	lastSpaceEnd := -1
	runes := 0
	for i, r := range s {
		if runes == max {
			if lastSpaceEnd > 0 {
				return lastSpaceEnd
			}
			return i
		}
		runes++
		if unicode.IsSpace(r) {
			lastSpaceEnd = i + utf8.RuneLen(r)
		}
	}
	return len(s)
}
