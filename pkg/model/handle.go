package model

import (
	"errors"
	"fmt"
)

const MaxHandleLength = 32

var ErrHandleEmpty = errors.New("handle must not be empty")
var ErrHandleTooLong = fmt.Errorf("handle must not exceed %d characters", MaxHandleLength)
var ErrHandleInvalidChars = errors.New("handle must contain only printable ASCII without spaces or '|'")

// ValidateHandle checks that a handle or group name is usable on the wire:
// 1-32 printable ASCII characters, no whitespace (commands tokenize on
// spaces) and no '|' (the frame field separator). Returns nil on success.
func ValidateHandle(name string) error {
	if len(name) == 0 {
		return ErrHandleEmpty
	}
	if len(name) > MaxHandleLength {
		return ErrHandleTooLong
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c <= ' ' || c > '~' || c == '|' {
			return ErrHandleInvalidChars
		}
	}
	return nil
}
