package webdav

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/icholy/digest"
)

const (
	defaultConnectTimeout = 10 * time.Second
	keepAlive             = 30 * time.Second
)

// newHTTPClient builds the transport for cfg. The returned client has no
// overall timeout because fetch and store bodies are long-lived streams; the
// caller's context bounds each request instead.
func newHTTPClient(cfg Config) (*http.Client, error) {
	tlsCfg, err := tlsConfig(cfg)
	if err != nil {
		return nil, err
	}

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}

	tr, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return nil, fmt.Errorf("webdav: unexpected default transport type %T", http.DefaultTransport)
	}

	tr = tr.Clone()
	tr.TLSClientConfig = tlsCfg
	tr.DialContext = (&net.Dialer{Timeout: connectTimeout, KeepAlive: keepAlive}).DialContext
	tr.TLSHandshakeTimeout = connectTimeout

	if cfg.HTTP1Only {
		// A non-nil empty map disables HTTP/2 upgrade during ALPN.
		tr.ForceAttemptHTTP2 = false
		tr.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	} else {
		tr.ForceAttemptHTTP2 = true
	}

	var rt http.RoundTripper = tr
	if cfg.Auth == AuthDigest {
		rt = &digest.Transport{
			Username:  cfg.Username,
			Password:  cfg.Password,
			Transport: tr,
		}
	}

	return &http.Client{Transport: rt}, nil
}

// tlsConfig assembles trust and client-certificate settings. Disabling
// verification disables chain and hostname checks together.
func tlsConfig(cfg Config) (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if !cfg.VerifyCerts {
		tlsCfg.InsecureSkipVerify = true //nolint:gosec // user opted out of verification
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("webdav: reading CA file: %w", err)
		}

		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}

		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("webdav: no certificates found in %s", cfg.CAFile)
		}

		tlsCfg.RootCAs = pool
	}

	if cfg.Auth == AuthTLS {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("webdav: loading client certificate: %w", err)
		}

		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return tlsCfg, nil
}
