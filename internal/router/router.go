// Package router holds the pure functions that sit between the message
// pipeline and the channel set: picking the owning channel for a JID and
// formatting outbound text.
package router

import (
	"strings"

	"github.com/basket/nanoclaw/internal/channels"
)

// FindChannel returns the unique channel whose OwnsJID predicate matches
// jid, or nil if none does. Channel ownership is required to be disjoint;
// this function does not itself enforce that, it simply returns the first
// match.
func FindChannel(chs []channels.Channel, jid string) channels.Channel {
	for _, c := range chs {
		if c.OwnsJID(jid) {
			return c
		}
	}
	return nil
}

// FormatOutgoing prepends "<assistantName>: " when the text does not
// already start with that prefix. This exists only as a persistence-layer
// backstop for bot-message filtering (see store.GetMessagesSince); messages
// that are already flagged is_bot_message do not need it.
func FormatOutgoing(text, assistantName string) string {
	prefix := assistantName + ": "
	if strings.HasPrefix(text, prefix) {
		return text
	}
	return prefix + text
}

// SplitForLength splits text into chunks of at most max runes, preserving
// content exactly: concatenating the result always reproduces text.
func SplitForLength(text string, max int) []string {
	if max <= 0 {
		return []string{text}
	}
	runes := []rune(text)
	if len(runes) == 0 {
		return []string{""}
	}
	var out []string
	for start := 0; start < len(runes); start += max {
		end := start + max
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}
