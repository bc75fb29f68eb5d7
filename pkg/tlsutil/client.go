package tlsutil

import (
	"crypto/tls"
	"net/http"
	"time"
)

// CreateHTTPClientWithTimeout creates an HTTP client with cached DNS and the
// given overall request timeout. A fingerprint pins the server certificate
// and takes precedence over verifySSL.
func CreateHTTPClientWithTimeout(verifySSL bool, fingerprint string, timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		DialContext:           DialContextWithCache,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if fingerprint != "" {
		transport.TLSClientConfig = FingerprintVerifier(fingerprint)
	} else if !verifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
