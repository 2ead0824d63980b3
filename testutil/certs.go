package testutil

import (
	"crypto/x509"
	"net"

	"github.com/stretchr/testify/require"

	"github.com/metalyard/region/pki"
)

// Locations of the certificates securing the communication between the
// region and the rack agents in tests.
type TestCerts struct {
	CACert string
	// Certificate of the agent valid for localhost.
	ServerCert string
	ServerKey  string
	// Certificate presented by the region.
	ClientCert string
	ClientKey  string
}

// Generates the CA and the certificates of the agent and the region in
// the sandbox.
func CreateTestCerts(sb *Sandbox) *TestCerts {
	caKey, _, caCert, caPEM, err := pki.GenCAKeyCert(1)
	require.NoError(sb.t, err)

	serverCertPEM, serverKeyPEM, err := pki.GenKeyCert(
		"agent",
		[]string{"localhost"},
		[]net.IP{net.ParseIP("127.0.0.1")},
		2,
		caCert, caKey,
		x509.ExtKeyUsageServerAuth,
	)
	require.NoError(sb.t, err)

	clientCertPEM, clientKeyPEM, err := pki.GenKeyCert(
		"region",
		[]string{"region"},
		nil,
		3,
		caCert, caKey,
		x509.ExtKeyUsageClientAuth,
	)
	require.NoError(sb.t, err)

	return &TestCerts{
		CACert:     sb.Write("ca-cert.pem", string(caPEM)),
		ServerCert: sb.Write("agent-cert.pem", string(serverCertPEM)),
		ServerKey:  sb.Write("agent-key.pem", string(serverKeyPEM)),
		ClientCert: sb.Write("region-cert.pem", string(clientCertPEM)),
		ClientKey:  sb.Write("region-key.pem", string(clientKeyPEM)),
	}
}
