package config

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/juju/errors"
)

// TLS is the [tls] section. The listener uses TLS when CertFile is set; CAFile
// verifies peers announced as TLS.
type TLS struct {
	CertFile string `toml:"cert_file,omitempty"`
	KeyFile  string `toml:"key_file,omitempty"`
	CAFile   string `toml:"ca_file,omitempty"`
}

func (t *TLS) Validate() error {
	if (t.CertFile == "") != (t.KeyFile == "") {
		return errors.NotValidf("tls needs both cert_file and key_file")
	}
	return nil
}

// Enabled reports whether the listener serves TLS.
func (t *TLS) Enabled() bool {
	return t.CertFile != ""
}

// ServerConfig loads the listener certificate, or returns nil when TLS is off.
func (t *TLS) ServerConfig() (*tls.Config, error) {
	if !t.Enabled() {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
	if err != nil {
		return nil, errors.Annotate(err, "loading tls key pair")
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

// ClientConfig builds the config for dialing TLS peers. Without a CAFile the
// system roots are used.
func (t *TLS) ClientConfig() (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if t.CAFile == "" {
		return cfg, nil
	}
	pem, err := os.ReadFile(t.CAFile)
	if err != nil {
		return nil, errors.Annotate(err, "reading tls ca")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.NotValidf("ca file %s", t.CAFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}
