package brokercfg

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
)

var (
	errFailedToLoadClientCert = errors.New("brokercfg: failed to load client certificate")
	errFailedToParseCA        = errors.New("brokercfg: failed to parse CA certificate")
)

// ClientTLSConfig builds the TLS config used to dial the cloud broker from
// the definition's embedded ca/cert/key PEM material. This is the
// certificate-loading shim: it has no opinion about where the PEM bytes
// came from (file, @-indirected catalog field, secret manager) — it only
// turns bytes into a *tls.Config.
func (d *Definition) ClientTLSConfig() (*tls.Config, error) {
	if d.Cert == "" || d.Key == "" {
		return nil, fmt.Errorf("%w: cert/key not set for broker %s", errFailedToLoadClientCert, d.ID)
	}

	cert, err := tls.X509KeyPair([]byte(d.Cert), []byte(d.Key))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errFailedToLoadClientCert, err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if d.CA != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(d.CA)) {
			return nil, fmt.Errorf("%w: broker %s", errFailedToParseCA, d.ID)
		}

		cfg.RootCAs = pool
	}

	return cfg, nil
}
