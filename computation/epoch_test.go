package computation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/climatoology/climatoology/info"
)

func TestCacheWindowUnbounded(t *testing.T) {
	now := time.Date(2024, time.May, 2, 12, 0, 0, 0, time.UTC)

	epoch, validUntil := CacheWindow(now, info.UnboundedShelfLife())

	require.NotNil(t, epoch)
	assert.Equal(t, ForeverEpoch, *epoch)
	assert.Equal(t, ValidForever, validUntil)
}

func TestCacheWindowNever(t *testing.T) {
	now := time.Date(2024, time.May, 2, 12, 0, 0, 0, time.UTC)

	epoch, validUntil := CacheWindow(now, info.ShelfLife{})

	assert.Nil(t, epoch)
	assert.Equal(t, now, validUntil)
}

func TestCacheWindowBuckets(t *testing.T) {
	shelf := info.ShelfLifeOf(7 * 24 * time.Hour)
	now := time.Date(2024, time.May, 2, 12, 0, 0, 0, time.UTC)
	shelfSeconds := int64(7 * 24 * 3600)

	epoch, validUntil := CacheWindow(now, shelf)

	require.NotNil(t, epoch)
	assert.Equal(t, now.Unix()/shelfSeconds, *epoch)
	assert.Equal(t, time.Unix((*epoch+1)*shelfSeconds, 0).UTC(), validUntil)
	assert.True(t, validUntil.After(now))
}

func TestCacheWindowSameBucketSharesEpoch(t *testing.T) {
	shelf := info.ShelfLifeOf(time.Hour)
	base := time.Date(2024, time.May, 2, 12, 0, 1, 0, time.UTC)
	later := base.Add(30 * time.Minute)

	first, _ := CacheWindow(base, shelf)
	second, _ := CacheWindow(later, shelf)

	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, *first, *second)
}

func TestCacheWindowExpiryStartsNewBucket(t *testing.T) {
	shelf := info.ShelfLifeOf(7 * 24 * time.Hour)
	base := time.Date(2024, time.May, 2, 12, 0, 0, 0, time.UTC)

	epoch, validUntil := CacheWindow(base, shelf)
	require.NotNil(t, epoch)

	afterExpiry, _ := CacheWindow(validUntil.Add(time.Second), shelf)
	require.NotNil(t, afterExpiry)
	assert.Greater(t, *afterExpiry, *epoch)
}
