package transport

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sharma-sourabh3435/buildfarm/internal/models"
)

const (
	// SessionPath is the agent endpoint the server dials in listen mode
	SessionPath = "/session"
	// ConnectPath is the server endpoint agents dial in dial-in mode
	ConnectPath = "/agents/connect"
)

// Dialer opens WebSocket sessions to an agent, presenting the agent key and pinning the
// agent's certificate by SHA-256 fingerprint instead of verifying it against a CA.
type Dialer struct {
	URL         string
	Key         string
	Fingerprint string
	// Client certificates presented to the agent (optional)
	Certificates     []tls.Certificate
	HandshakeTimeout time.Duration
}

// NewDialer creates a dialer for an agent in listen mode
func NewDialer(cfg models.AgentConfig, certs []tls.Certificate) *Dialer {
	return &Dialer{
		URL:              "wss://" + cfg.Connection.Address() + SessionPath,
		Key:              cfg.Key,
		Fingerprint:      cfg.Connection.Fingerprint,
		Certificates:     certs,
		HandshakeTimeout: 10 * time.Second,
	}
}

// Open dials a new session connection
func (d *Dialer) Open(ctx context.Context) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
		TLSClientConfig:  d.tlsConfig(),
	}

	header := http.Header{}
	header.Set(models.AgentKeyHeader, d.Key)

	ws, resp, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s (%s): %w", d.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", d.URL, err)
	}
	return NewWebSocketConn(ws), nil
}

func (d *Dialer) tlsConfig() *tls.Config {
	if d.Fingerprint == "" {
		return &tls.Config{Certificates: d.Certificates, MinVersion: tls.VersionTLS12}
	}

	want := NormalizeFingerprint(d.Fingerprint)
	return &tls.Config{
		Certificates: d.Certificates,
		MinVersion:   tls.VersionTLS12,
		// Chain verification is replaced by the pin below.
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("agent presented no certificate")
			}
			if got := Fingerprint(rawCerts[0]); got != want {
				return fmt.Errorf("agent certificate fingerprint %s does not match %s", got, want)
			}
			return nil
		},
	}
}

// Fingerprint returns the lowercase hex SHA-256 of a DER certificate
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// NormalizeFingerprint lowercases a fingerprint and strips colon separators
func NormalizeFingerprint(fp string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(fp), ":", ""))
}
