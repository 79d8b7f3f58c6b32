package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random identifier, optionally namespaced as prefix_<id>.
func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// NewTimeID returns a time-ordered identifier for records that are listed
// in creation order.
func NewTimeID(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		return NewID(prefix)
	}
	if prefix == "" {
		return id.String()
	}
	return prefix + "_" + id.String()
}
