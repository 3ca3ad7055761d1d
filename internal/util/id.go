package util

import "github.com/google/uuid"

// NewID returns a random UUID string, used for consumer names and test
// fixtures.
func NewID() string {
	return uuid.NewString()
}
