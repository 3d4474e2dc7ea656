// Package opid generates operation identifiers: the value a refresh
// task stamps into creator_id/modifier_id so it can tell, on
// read-back, which rows its own transaction actually touched versus
// rows a concurrent refresh already claimed (spec.md §4.3's opId
// row-claiming pattern).
package opid

import (
	"crypto/rand"

	"github.com/oklog/ulid/v2"
)

// New returns a fresh, lexicographically-sortable operation ID.
func New() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}
