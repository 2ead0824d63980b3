package dbops

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/pkg/errors"
)

// Returns the TLS configuration for the given SSL mode. The modes follow
// the libpq semantics: "require" encrypts without verification unless a
// root certificate is given, "verify-ca" checks the chain only and
// "verify-full" also checks the host name. No configuration is returned
// for the "disable" mode.
func GetTLSConfig(sslMode, host, sslCert, sslKey, sslRootCert string) (*tls.Config, error) {
	config := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	verifyChainOnly := false
	switch sslMode {
	case "", "disable":
		return nil, nil
	case "require":
		config.InsecureSkipVerify = true //nolint:gosec
		verifyChainOnly = sslRootCert != ""
	case "verify-ca":
		config.InsecureSkipVerify = true //nolint:gosec
		verifyChainOnly = true
	case "verify-full":
		config.ServerName = host
	default:
		return nil, errors.Errorf("unsupported sslmode value %s", sslMode)
	}

	if sslCert != "" {
		if sslKey != "" {
			info, err := os.Stat(sslKey)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to stat the key file %s", sslKey)
			}
			if info.Mode().Perm()&0o077 != 0 {
				return nil, errors.Errorf("key file %s has too large permissions", sslKey)
			}
		}
		cert, err := tls.LoadX509KeyPair(sslCert, sslKey)
		if err != nil {
			return nil, errors.Wrapf(err, "problem loading the client certificate %s", sslCert)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	if sslRootCert != "" {
		pem, err := os.ReadFile(sslRootCert)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read root CA certificate file %s", sslRootCert)
		}
		config.RootCAs = x509.NewCertPool()
		if !config.RootCAs.AppendCertsFromPEM(pem) {
			return nil, errors.Errorf("unable to parse root CA certificate %s", sslRootCert)
		}
	}

	if verifyChainOnly {
		config.VerifyConnection = func(cs tls.ConnectionState) error {
			if len(cs.PeerCertificates) == 0 {
				return errors.New("database server presented no certificate")
			}
			opts := x509.VerifyOptions{
				Intermediates: x509.NewCertPool(),
				Roots:         config.RootCAs,
			}
			for _, cert := range cs.PeerCertificates[1:] {
				opts.Intermediates.AddCert(cert)
			}
			_, err := cs.PeerCertificates[0].Verify(opts)
			return err
		}
	}
	return config, nil
}
