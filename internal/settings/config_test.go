package settings

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, Default.Validate())

	cfg := Default
	cfg.CardDistanceM = 80
	cfg.NotificationDistanceM = 90
	err := cfg.Validate()
	require.Error(t, err)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "card+gap<=notification", verr.Invariant)

	cfg = Default
	cfg.NotificationDistanceM = 100
	cfg.OuterDistanceM = 120
	err = cfg.Validate()
	require.Error(t, err)
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "notification+gap<=outer", verr.Invariant)
}

func TestConfig_ValidateExactGaps(t *testing.T) {
	// Boundary: gaps met exactly are valid.
	cfg := Config{
		Enabled:               true,
		CardDistanceM:         100,
		NotificationDistanceM: 125,
		OuterDistanceM:        175,
	}
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Clamp(t *testing.T) {
	cfg := Config{
		Enabled:               true,
		CardDistanceM:         5,
		NotificationDistanceM: 250,
		OuterDistanceM:        90000,
	}
	clamped := cfg.Clamp()

	assert.Equal(t, float64(10), clamped.CardDistanceM)
	assert.Equal(t, float64(250), clamped.NotificationDistanceM)
	assert.Equal(t, float64(50000), clamped.OuterDistanceM)
	// Clamp corrects range only; ordering stays Validate's job.
	assert.NoError(t, clamped.Validate())
}

func TestConfig_Thresholds(t *testing.T) {
	th := Default.Thresholds()
	assert.Equal(t, float64(100), th.CardM)
	assert.Equal(t, float64(250), th.NotificationM)
	assert.Equal(t, float64(1000), th.OuterM)
}
