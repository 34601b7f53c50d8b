package accounts_test

import (
	"testing"
	"time"

	"github.com/perimeter-labs/accounts"
	"github.com/stretchr/testify/assert"
)

func TestIsWithinThresholdPeriod(t *testing.T) {
	tests := []struct {
		name      string
		inputTime time.Time
		pattern   string
		expected  bool
		expectErr bool
	}{
		{
			name:      "inside one hour window",
			inputTime: time.Now().Add(-30 * time.Minute),
			pattern:   "1h",
			expected:  true,
		},
		{
			name:      "outside one hour window",
			inputTime: time.Now().Add(-90 * time.Minute),
			pattern:   "1h",
			expected:  false,
		},
		{
			name:      "future time is always inside",
			inputTime: time.Now().Add(time.Hour),
			pattern:   "2h",
			expected:  true,
		},
		{
			name:      "compound duration",
			inputTime: time.Now().Add(-2 * time.Hour),
			pattern:   "2h30m",
			expected:  true,
		},
		{
			name:      "invalid pattern",
			inputTime: time.Now(),
			pattern:   "yesterday",
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := accounts.IsWithinThresholdPeriod(tt.inputTime, tt.pattern)

			if tt.expectErr {
				assert.Error(t, err)
				return
			}

			assert.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestIsOutsideThresholdPeriod(t *testing.T) {
	outside, err := accounts.IsOutsideThresholdPeriod(time.Now().Add(-25*time.Hour), "24h")
	assert.NoError(t, err)
	assert.True(t, outside)

	outside, err = accounts.IsOutsideThresholdPeriod(time.Now().Add(-time.Hour), "24h")
	assert.NoError(t, err)
	assert.False(t, outside)

	_, err = accounts.IsOutsideThresholdPeriod(time.Now(), "not-a-duration")
	assert.Error(t, err)
}
