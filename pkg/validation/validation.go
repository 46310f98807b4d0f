package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// RoomIDRegex validates room ID format
	RoomIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// UserIDRegex validates durable user ID format
	UserIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

	// FileIDRegex validates file ID format
	FileIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_./-]+$`)
)

// MaxDocumentBytes caps a single document replacement. Whole-document
// last-write-wins replacement means every edit carries the full text.
const MaxDocumentBytes = 1 << 20

// ValidateRoomID validates room ID
func ValidateRoomID(roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room ID is required")
	}
	if len(roomID) > 100 {
		return fmt.Errorf("room ID is too long (max 100 characters)")
	}
	if !RoomIDRegex.MatchString(roomID) {
		return fmt.Errorf("invalid room ID format")
	}
	return nil
}

// ValidateUserID validates durable user ID
func ValidateUserID(userID string) error {
	if userID == "" {
		return fmt.Errorf("user ID is required")
	}
	if len(userID) > 100 {
		return fmt.Errorf("user ID is too long (max 100 characters)")
	}
	if !UserIDRegex.MatchString(userID) {
		return fmt.Errorf("invalid user ID format")
	}
	return nil
}

// ValidateUsername validates display name
func ValidateUsername(username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return fmt.Errorf("username is required")
	}
	if len(username) > 50 {
		return fmt.Errorf("username is too long (max 50 characters)")
	}
	if !utf8.ValidString(username) {
		return fmt.Errorf("username contains invalid characters")
	}
	return nil
}

// ValidateFileID validates file ID; empty is allowed and means the default file
func ValidateFileID(fileID string) error {
	if fileID == "" {
		return nil
	}
	if len(fileID) > 200 {
		return fmt.Errorf("file ID is too long (max 200 characters)")
	}
	if !FileIDRegex.MatchString(fileID) {
		return fmt.Errorf("invalid file ID format")
	}
	return nil
}

// ValidateDocument validates a whole-document replacement payload
func ValidateDocument(code string) error {
	if len(code) > MaxDocumentBytes {
		return fmt.Errorf("document is too large (max %d bytes)", MaxDocumentBytes)
	}
	if !utf8.ValidString(code) {
		return fmt.Errorf("document is not valid UTF-8")
	}
	return nil
}

// ValidateReason validates an optional permission-change reason
func ValidateReason(reason string) error {
	if len(reason) > 500 {
		return fmt.Errorf("reason is too long (max 500 characters)")
	}
	return nil
}
