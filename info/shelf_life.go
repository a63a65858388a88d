package info

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ShelfLife is the cache policy of a plugin's computations. The zero value
// means results are never reused. An unbounded shelf life means results stay
// valid forever. Any positive duration buckets results into windows of that
// length.
//
// On the wire an unbounded shelf life is JSON null and a bounded one is a
// number of seconds.
type ShelfLife struct {
	duration  time.Duration
	unbounded bool
}

// UnboundedShelfLife returns the policy under which results never expire.
func UnboundedShelfLife() ShelfLife {
	return ShelfLife{unbounded: true}
}

// ShelfLifeOf returns a bounded policy with the given bucket length.
func ShelfLifeOf(d time.Duration) ShelfLife {
	return ShelfLife{duration: d}
}

// Unbounded reports whether results under this policy stay valid forever.
func (s ShelfLife) Unbounded() bool {
	return s.unbounded
}

// Never reports whether results under this policy are never reused.
func (s ShelfLife) Never() bool {
	return !s.unbounded && s.duration == 0
}

// Negative reports whether the policy carries an invalid negative duration.
func (s ShelfLife) Negative() bool {
	return !s.unbounded && s.duration < 0
}

// Duration returns the bucket length of a bounded policy. It is zero when
// the policy is unbounded or never caches.
func (s ShelfLife) Duration() time.Duration {
	if s.unbounded {
		return 0
	}
	return s.duration
}

func (s ShelfLife) String() string {
	switch {
	case s.unbounded:
		return "unbounded"
	case s.duration == 0:
		return "never"
	default:
		return s.duration.String()
	}
}

var jsonNull = []byte("null")

// MarshalJSON encodes an unbounded shelf life as null and a bounded one as
// seconds.
func (s ShelfLife) MarshalJSON() ([]byte, error) {
	if s.unbounded {
		return jsonNull, nil
	}
	return []byte(fmt.Sprintf("%g", s.duration.Seconds())), nil
}

// UnmarshalJSON decodes null as unbounded and a number as seconds.
func (s *ShelfLife) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), jsonNull) {
		*s = ShelfLife{unbounded: true}
		return nil
	}
	var seconds float64
	if err := json.Unmarshal(data, &seconds); err != nil {
		return fmt.Errorf("info: shelf life must be null or seconds: %w", err)
	}
	*s = ShelfLife{duration: time.Duration(seconds * float64(time.Second))}
	return nil
}
