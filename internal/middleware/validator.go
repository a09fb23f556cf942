package middleware

import (
	"fmt"
	"regexp"
)

// Input validation for identifiers arriving in URLs

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9:_-]{1,128}$`)

// ValidateCallID checks subject-call identifier format
func ValidateCallID(callID string) error {
	if callID == "" {
		return fmt.Errorf("call ID cannot be empty")
	}
	if !idPattern.MatchString(callID) {
		return fmt.Errorf("invalid call ID format (alphanumeric, colon, dash, underscore, max 128 chars)")
	}
	return nil
}

// ValidateEventID checks event identifier format
func ValidateEventID(eventID string) error {
	if eventID == "" {
		return fmt.Errorf("event ID cannot be empty")
	}
	if !idPattern.MatchString(eventID) {
		return fmt.Errorf("invalid event ID format")
	}
	return nil
}
