package xid

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// New returns a lexically sortable identifier such as "prd_01J9Z3...". Sorting
// ids of one kind orders them by creation time.
func New(prefix string) string {
	id := strings.ToLower(ulid.Make().String())
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
