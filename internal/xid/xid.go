package xid

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a prefixed unique identifier, e.g. "sale-6f1c...".
func New(prefix string) string {
	return prefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
