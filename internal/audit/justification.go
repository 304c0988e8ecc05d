package audit

import (
	"fmt"
	"strings"
)

// MinJustificationLength is the floor for override justification text.
const MinJustificationLength = 10

// deniedChars are shell-significant characters never accepted in a
// justification, each rejected individually.
const deniedChars = "$`\\;|&><(){}"

// dangerousPatterns are command fragments screened case-insensitively.
var dangerousPatterns = []string{
	"rm -rf",
	"rm -fr",
	"sudo ",
	"chmod 777",
	"chown root",
	"mkfs",
	"dd if=",
	":(){",
	"curl http",
	"wget http",
}

// JustificationError explains why an override justification was refused.
type JustificationError struct {
	Reason string
}

func (e *JustificationError) Error() string {
	return "audit: invalid justification: " + e.Reason
}

// ValidateJustification screens override text. Unicode, newlines, and long
// text are all fine; shell metacharacters and command fragments are not.
func ValidateJustification(text string) error {
	if strings.TrimSpace(text) == "" {
		return &JustificationError{Reason: "justification is required"}
	}
	if len([]rune(text)) < MinJustificationLength {
		return &JustificationError{Reason: fmt.Sprintf(
			"justification must be at least %d characters", MinJustificationLength)}
	}
	if idx := strings.IndexAny(text, deniedChars); idx >= 0 {
		return &JustificationError{Reason: fmt.Sprintf(
			"character %q is not allowed", text[idx])}
	}
	lowered := strings.ToLower(text)
	for _, pattern := range dangerousPatterns {
		if strings.Contains(lowered, pattern) {
			return &JustificationError{Reason: fmt.Sprintf(
				"text contains a blocked command pattern (%q)", pattern)}
		}
	}
	return nil
}
