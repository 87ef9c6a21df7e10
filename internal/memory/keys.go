package memory

import (
	"strings"
)

// KeyPolicy maps a request onto a response cache key
type KeyPolicy interface {
	Key(sessionID, message string) string
}

// GlobalKeys shares cached answers across sessions
type GlobalKeys struct{}

func (GlobalKeys) Key(_, message string) string {
	return NormalizeMessage(message)
}

// SessionKeys scopes cached answers to one session
type SessionKeys struct{}

func (SessionKeys) Key(sessionID, message string) string {
	return sessionID + ":" + NormalizeMessage(message)
}

// NewKeyPolicy returns the policy for CACHE_KEY_SCOPE
func NewKeyPolicy(scope string) KeyPolicy {
	if strings.EqualFold(scope, "session") {
		return SessionKeys{}
	}
	return GlobalKeys{}
}

// NormalizeMessage lowercases, collapses whitespace and drops trailing punctuation
func NormalizeMessage(message string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(message)), " ")
	return strings.TrimRight(normalized, " .!?,;:")
}
