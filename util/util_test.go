package regionutil

import (
	"regexp"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// Test that the log level is set and an unknown level falls back to
// info.
func TestSetupLogging(t *testing.T) {
	defer log.SetLevel(log.GetLevel())

	SetupLogging("debug")
	require.Equal(t, log.DebugLevel, log.GetLevel())

	SetupLogging("bogus")
	require.Equal(t, log.InfoLevel, log.GetLevel())
}

// Test that the time is returned in UTC.
func TestUTCNow(t *testing.T) {
	now := UTCNow()
	require.Equal(t, time.UTC, now.Location())
	require.WithinDuration(t, time.Now(), now, time.Second)
}

// Test that the random host names are valid DNS labels.
func TestRandomHostname(t *testing.T) {
	pattern := regexp.MustCompile(`^[a-z]+-[a-z]+$`)
	for i := 0; i < 20; i++ {
		require.Regexp(t, pattern, RandomHostname())
	}
}
