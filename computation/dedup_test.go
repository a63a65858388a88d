package computation

import (
	"crypto/md5"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/climatoology/climatoology/aoi"
)

func TestDeduplicationKeyIsDeterministic(t *testing.T) {
	area := aoi.Rectangle("Box", "box-1", 0, 0, 1, 1)
	params := json.RawMessage(`{"id":1}`)

	first, err := DeduplicationKey(params, area)
	require.NoError(t, err)
	second, err := DeduplicationKey(params, area)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.NotEqual(t, uuid.Nil, first)
}

func TestDeduplicationKeySensitivity(t *testing.T) {
	area := aoi.Rectangle("Box", "box-1", 0, 0, 1, 1)
	otherArea := aoi.Rectangle("Box", "box-1", 0, 0, 2, 2)
	params := json.RawMessage(`{"id":1}`)
	otherParams := json.RawMessage(`{"id":2}`)

	base, err := DeduplicationKey(params, area)
	require.NoError(t, err)

	changedParams, err := DeduplicationKey(otherParams, area)
	require.NoError(t, err)
	assert.NotEqual(t, base, changedParams)

	changedArea, err := DeduplicationKey(params, otherArea)
	require.NoError(t, err)
	assert.NotEqual(t, base, changedArea)
}

func TestDeduplicationKeyMatchesHashOfParamsAndWKT(t *testing.T) {
	area := aoi.Rectangle("Box", "box-1", 0, 0, 1, 1)
	params := json.RawMessage(`{"id":1}`)

	wktText, err := area.WKT()
	require.NoError(t, err)
	sum := md5.Sum(append([]byte(params), []byte(wktText)...))

	key, err := DeduplicationKey(params, area)
	require.NoError(t, err)
	assert.Equal(t, uuid.UUID(sum), key)
}

func TestDeduplicationKeyRejectsMissingGeometry(t *testing.T) {
	_, err := DeduplicationKey(json.RawMessage(`{}`), aoi.Aoi{})
	assert.ErrorIs(t, err, aoi.ErrNoGeometry)
}
