package util

import "github.com/google/uuid"

// NewID returns a random UUID string used for handle ids and remote resource names.
func NewID() string { return uuid.NewString() }

// NewPrefixedID returns prefix-<uuid>, or a bare uuid when prefix is empty.
func NewPrefixedID(prefix string) string {
	if prefix == "" {
		return NewID()
	}
	return prefix + "-" + NewID()
}
