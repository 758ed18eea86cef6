package chat

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxTextChars        = 1000
	MaxUsernameChars    = 32
	MaxBioChars         = 160
	MaxGroupNameChars   = 64
	MaxGroupDescChars   = 100
	MaxURLBytes         = 2048
	MaxGroupMembers     = 256
	MaxSearchTermChars  = 64
	MaxReactionEmojiLen = 32
)

// ValidateMessage checks the text and optional attachment of an outgoing
// message. Text may be empty only when an attachment is present.
func ValidateMessage(text string, att *Attachment) error {
	if !utf8.ValidString(text) {
		return fmt.Errorf("%w: message contains invalid UTF-8", ErrInvalid)
	}
	if att == nil && strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: message text is empty", ErrInvalid)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("%w: message exceeds %d character limit", ErrInvalid, MaxTextChars)
	}
	if att != nil {
		if att.URL == "" {
			return fmt.Errorf("%w: attachment url is empty", ErrInvalid)
		}
		if len(att.URL) > MaxURLBytes {
			return fmt.Errorf("%w: attachment url exceeds %d bytes", ErrInvalid, MaxURLBytes)
		}
	}
	return nil
}

// NormalizeUsername trims whitespace and validates the length of a display
// name. It returns the trimmed name.
func NormalizeUsername(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: username is empty", ErrInvalid)
	}
	if utf8.RuneCountInString(name) > MaxUsernameChars {
		return "", fmt.Errorf("%w: username exceeds %d character limit", ErrInvalid, MaxUsernameChars)
	}
	return name, nil
}

// ValidateProfile checks every user-editable profile field.
func ValidateProfile(u *User) error {
	name, err := NormalizeUsername(u.Username)
	if err != nil {
		return err
	}
	u.Username = name
	if utf8.RuneCountInString(u.Bio) > MaxBioChars {
		return fmt.Errorf("%w: bio exceeds %d character limit", ErrInvalid, MaxBioChars)
	}
	if len(u.AvatarURL) > MaxURLBytes {
		return fmt.Errorf("%w: avatar url exceeds %d bytes", ErrInvalid, MaxURLBytes)
	}
	return nil
}

// ValidateGroupInfo checks group metadata before it is persisted.
func ValidateGroupInfo(info GroupInfo) error {
	name := strings.TrimSpace(info.Name)
	if name == "" {
		return fmt.Errorf("%w: group name is empty", ErrInvalid)
	}
	if utf8.RuneCountInString(name) > MaxGroupNameChars {
		return fmt.Errorf("%w: group name exceeds %d character limit", ErrInvalid, MaxGroupNameChars)
	}
	if utf8.RuneCountInString(info.Description) > MaxGroupDescChars {
		return fmt.Errorf("%w: group description exceeds %d character limit", ErrInvalid, MaxGroupDescChars)
	}
	if len(info.AvatarURL) > MaxURLBytes {
		return fmt.Errorf("%w: group avatar url exceeds %d bytes", ErrInvalid, MaxURLBytes)
	}
	return nil
}

// ValidateReaction checks an emoji before it is toggled on a message.
func ValidateReaction(emoji string) error {
	if emoji == "" {
		return fmt.Errorf("%w: emoji is empty", ErrInvalid)
	}
	if len(emoji) > MaxReactionEmojiLen {
		return fmt.Errorf("%w: emoji too long", ErrInvalid)
	}
	return nil
}
