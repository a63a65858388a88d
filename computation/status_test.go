package computation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusStarted.Terminal())
	assert.True(t, StatusSuccess.Terminal())
	assert.True(t, StatusFailure.Terminal())
	assert.True(t, StatusRevoked.Terminal())
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"FreshToPending", "", StatusPending, true},
		{"FreshToStarted", "", StatusStarted, true},
		{"PendingToStarted", StatusPending, StatusStarted, true},
		{"PendingRepeat", StatusPending, StatusPending, true},
		{"StartedRepeat", StatusStarted, StatusStarted, true},
		{"StartedToSuccess", StatusStarted, StatusSuccess, true},
		{"StartedToFailure", StatusStarted, StatusFailure, true},
		{"StartedToRevoked", StatusStarted, StatusRevoked, true},
		{"PendingToSuccess", StatusPending, StatusSuccess, true},
		{"StartedBackToPending", StatusStarted, StatusPending, false},
		{"SuccessBackToPending", StatusSuccess, StatusPending, false},
		{"SuccessBackToStarted", StatusSuccess, StatusStarted, false},
		{"SuccessRepeat", StatusSuccess, StatusSuccess, true},
		{"SuccessToFailure", StatusSuccess, StatusFailure, false},
		{"ToUnknown", StatusPending, Status("LOST"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}
