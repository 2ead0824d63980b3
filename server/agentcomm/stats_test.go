package agentcomm

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// Test tracking the communication error transitions.
func TestRecordCallTransitions(t *testing.T) {
	stats := NewRackCommStats()
	failure := errors.New("unavailable")

	require.Equal(t, CommErrorNone, stats.RecordCall("abc", "PowerOn", nil))
	require.Equal(t, CommErrorNew, stats.RecordCall("abc", "PowerOn", failure))
	require.Equal(t, CommErrorContinued, stats.RecordCall("abc", "PowerOn", failure))
	require.EqualValues(t, 2, stats.GetErrorCount("abc", "PowerOn"))
	require.Equal(t, CommErrorReset, stats.RecordCall("abc", "PowerOn", nil))
	require.Zero(t, stats.GetErrorCount("abc", "PowerOn"))
	require.Equal(t, CommErrorNone, stats.RecordCall("abc", "PowerOn", nil))
}

// Test that the counters are kept per rack and command.
func TestErrorCountsPerRackAndCommand(t *testing.T) {
	stats := NewRackCommStats()
	failure := errors.New("unavailable")

	stats.RecordCall("abc", "PowerOn", failure)
	stats.RecordCall("abc", "PowerOff", failure)
	stats.RecordCall("abc", "PowerOff", failure)
	stats.RecordCall("def", "PowerOn", failure)

	require.EqualValues(t, 1, stats.GetErrorCount("abc", "PowerOn"))
	require.EqualValues(t, 2, stats.GetErrorCount("abc", "PowerOff"))
	require.EqualValues(t, 3, stats.GetTotalErrorCount("abc"))
	require.EqualValues(t, 1, stats.GetTotalErrorCount("def"))
	require.Zero(t, stats.GetTotalErrorCount("xyz"))

	stats.Reset("abc")
	require.Zero(t, stats.GetTotalErrorCount("abc"))
	require.EqualValues(t, 1, stats.GetTotalErrorCount("def"))
}
