package computation

import (
	"crypto/md5"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/climatoology/climatoology/aoi"
)

// DeduplicationKey derives the request identity of a computation: the MD5
// of the raw requested-parameter text concatenated with the WKT of the area
// geometry, folded into a UUID. Equal parameter text over an equal geometry
// always yields the same key.
func DeduplicationKey(requestedParams json.RawMessage, area aoi.Aoi) (uuid.UUID, error) {
	wktText, err := area.WKT()
	if err != nil {
		return uuid.Nil, fmt.Errorf("computation: deduplication key: %w", err)
	}
	return DeduplicationKeyFromWKT(requestedParams, wktText), nil
}

// DeduplicationKeyFromWKT derives the key from already-rendered WKT text.
func DeduplicationKeyFromWKT(requestedParams json.RawMessage, wktText string) uuid.UUID {
	h := md5.New()
	h.Write(requestedParams)
	h.Write([]byte(wktText))
	var sum [16]byte
	copy(sum[:], h.Sum(nil))
	return uuid.UUID(sum)
}
