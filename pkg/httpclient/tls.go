package httpclient

import (
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"net/http"
	"os"

	"github.com/kadirpekel/manifold/pkg/errcode"
)

// TLSConfig holds transport TLS options for self-hosted and proxied
// providers that sit behind private certificate authorities.
type TLSConfig struct {
	InsecureSkipVerify bool   // skip certificate verification (dev/test only)
	CACertificate      string // path to a PEM CA certificate file
}

// ConfigureTLS builds an http.Transport from cfg.
func ConfigureTLS(cfg *TLSConfig) (*http.Transport, error) {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{},
	}
	if cfg == nil {
		return transport, nil
	}

	if cfg.CACertificate != "" {
		pem, err := os.ReadFile(cfg.CACertificate)
		if err != nil {
			return nil, errcode.Wrap(errcode.CodeInvalidRequest, "read CA certificate", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errcode.Newf(errcode.CodeInvalidRequest, "no CA certificates in %s", cfg.CACertificate)
		}
		transport.TLSClientConfig.RootCAs = pool
	}
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig.InsecureSkipVerify = true
	}
	return transport, nil
}

// WithTLSConfig swaps the client transport for one built from cfg. A
// bad configuration is logged and the default transport kept, so a
// typo in a CA path degrades verification noise rather than taking the
// process down.
func WithTLSConfig(cfg *TLSConfig) Option {
	return func(c *Client) {
		if cfg == nil {
			return
		}
		transport, err := ConfigureTLS(cfg)
		if err != nil {
			slog.Warn("tls configuration failed, keeping default transport", "error", err)
			return
		}
		c.http.Transport = transport
	}
}
