package tlsutil

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// FetchFingerprint connects to host and returns the SHA256 fingerprint of its
// leaf certificate, for pinning a self-signed management server. host may be
// "hostname", "hostname:port" or a URL; the port defaults to 443.
func FetchFingerprint(ctx context.Context, host string) (string, error) {
	targetHost := host
	if strings.HasPrefix(host, "https://") || strings.HasPrefix(host, "http://") {
		parsed, err := url.Parse(host)
		if err != nil {
			return "", fmt.Errorf("failed to parse host URL: %w", err)
		}
		targetHost = parsed.Host
	}
	if _, _, err := net.SplitHostPort(targetHost); err != nil {
		targetHost = net.JoinHostPort(targetHost, "443")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: 5 * time.Second},
		Config:    &tls.Config{InsecureSkipVerify: true},
	}
	conn, err := dialer.DialContext(ctx, "tcp", targetHost)
	if err != nil {
		return "", fmt.Errorf("failed to connect to %s: %w", targetHost, err)
	}
	defer conn.Close()

	certs := conn.(*tls.Conn).ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return "", fmt.Errorf("no certificates presented by %s", targetHost)
	}
	return certFingerprint(certs[0].Raw), nil
}

func certFingerprint(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// NormalizeFingerprint lowercases fp and strips colons.
func NormalizeFingerprint(fp string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(fp), ":", ""))
}

// FingerprintVerifier creates a TLS config that accepts only a leaf
// certificate with the given SHA256 fingerprint.
func FingerprintVerifier(fingerprint string) *tls.Config {
	expected := NormalizeFingerprint(fingerprint)

	return &tls.Config{
		InsecureSkipVerify: true, // replaced by the fingerprint check below
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("no certificates presented by server")
			}
			if actual := certFingerprint(rawCerts[0]); actual != expected {
				return fmt.Errorf("certificate fingerprint mismatch: expected %s, got %s", expected, actual)
			}
			return nil
		},
	}
}
