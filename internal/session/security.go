package session

import (
	"fmt"
	"strconv"
	"strings"
)

// WrapSessionID prefixes a raw agent-CLI session id with its owning
// user id, for the audit-only owner_tag column — the gateway itself
// always looks sessions up by (user, topic), never by this wrapped form.
func WrapSessionID(rawSessionID string, userID int64) string {
	return fmt.Sprintf("user-%d-%s", userID, rawSessionID)
}

// UnwrapSessionID extracts the raw agent-CLI session id from a wrapped id
// produced by WrapSessionID. Only the "user-<x>-" shape is checked; the
// user id part is not parsed (ExtractUserID does that).
func UnwrapSessionID(wrapped string) (string, error) {
	parts := strings.SplitN(wrapped, "-", 3)
	if !strings.HasPrefix(wrapped, "user-") || len(parts) < 3 {
		return "", fmt.Errorf("session: invalid wrapped session id: %q", wrapped)
	}
	return parts[2], nil
}

// ExtractUserID extracts the owning user id from a wrapped session id.
func ExtractUserID(wrapped string) (int64, error) {
	userID, _, err := splitWrapped(wrapped)
	return userID, err
}

// ValidateOwnership reports whether wrapped was produced by WrapSessionID
// for userID.
func ValidateOwnership(wrapped string, userID int64) bool {
	return strings.HasPrefix(wrapped, fmt.Sprintf("user-%d-", userID))
}

func splitWrapped(wrapped string) (int64, string, error) {
	if !strings.HasPrefix(wrapped, "user-") {
		return 0, "", fmt.Errorf("session: invalid wrapped session id: %q", wrapped)
	}
	parts := strings.SplitN(wrapped, "-", 3)
	if len(parts) < 3 {
		return 0, "", fmt.Errorf("session: invalid wrapped session id: %q", wrapped)
	}
	userID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("session: invalid user id in wrapped session id: %q", wrapped)
	}
	return userID, parts[2], nil
}
