package computation

import (
	"time"

	"github.com/climatoology/climatoology/info"
)

// ValidForever is the expiry stamped on computations that never expire. A
// far-future sentinel keeps the valid_until index usable for range scans.
var ValidForever = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

// ForeverEpoch is the cache epoch of computations cached without expiry.
const ForeverEpoch int64 = 0

// CacheWindow places a request timestamp into its cache bucket under the
// given shelf life.
//
// Unbounded shelf life pins the epoch to ForeverEpoch and the expiry to
// ValidForever. A zero shelf life yields a nil epoch, which makes the row
// non-cacheable, and an expiry equal to the request time. A positive shelf
// life s buckets time into consecutive windows of width s starting at Unix
// epoch zero: epoch = floor(t/s), expiry = (epoch+1)*s.
func CacheWindow(t time.Time, shelf info.ShelfLife) (*int64, time.Time) {
	if shelf.Unbounded() {
		epoch := ForeverEpoch
		return &epoch, ValidForever
	}
	seconds := int64(shelf.Duration() / time.Second)
	if seconds <= 0 {
		return nil, t
	}
	epoch := t.Unix() / seconds
	return &epoch, time.Unix((epoch+1)*seconds, 0).UTC()
}
