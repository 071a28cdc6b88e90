// Package msgid handles the sortable message identifiers used throughout
// the cache. An identifier is a 26-character Crockford base32 ULID whose
// first 10 symbols encode milliseconds since epoch, so lexicographic order
// matches creation order.
package msgid

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// New returns a fresh identifier for the current instant.
func New() string {
	return ulid.Make().String()
}

// At returns an identifier whose embedded timestamp is t. Used when a
// producer needs an identifier for a known creation instant.
func At(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}

// TimestampOf decodes the creation time embedded in id.
//
// Identifiers double as sort keys on display paths, so malformed input
// (wrong length, invalid symbol) degrades to the current wall-clock time
// instead of an error.
func TimestampOf(id string) time.Time {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Now()
	}
	return ulid.Time(u.Time())
}

// UnixMilliOf is TimestampOf in milliseconds since epoch, the unit the
// store persists.
func UnixMilliOf(id string) int64 {
	return TimestampOf(id).UnixMilli()
}
