package pods

import (
	"bytes"
	"context"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	dbmodel "github.com/metalyard/region/server/database/model"
)

// Test that the logging commissioner reports the machine.
func TestLoggingCommissioner(t *testing.T) {
	var output bytes.Buffer
	original := log.StandardLogger().Out
	log.SetOutput(&output)
	defer log.SetOutput(original)

	commissioner := NewLoggingCommissioner()
	err := commissioner.Commission(context.Background(), &dbmodel.Node{Hostname: "vm1", SystemID: "abc123"}, "admin")
	require.NoError(t, err)
	require.Contains(t, output.String(), "awaiting commissioning")
	require.Contains(t, output.String(), "vm1")
	require.Contains(t, output.String(), "abc123")
}
