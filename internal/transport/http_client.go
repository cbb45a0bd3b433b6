package transport

import (
	"crypto/tls"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/TheMichaelB/expensync/internal/events"
)

// NewHTTPClient creates the HTTP client shared by the provider SDKs. Every
// request is logged at debug level.
func NewHTTPClient(timeout time.Duration, logger *events.Logger) *http.Client {
	base := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			NextProtos: []string{"h2", "http/1.1"},
		},
	}

	if err := http2.ConfigureTransport(base); err != nil {
		logger.WithError(err).Warn("Failed to configure HTTP/2")
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &loggingTransport{
			next:   base,
			logger: logger.WithField("component", "http_client"),
		},
	}
}

type loggingTransport struct {
	next   http.RoundTripper
	logger *events.Logger
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.next.RoundTrip(req)

	fields := map[string]interface{}{
		"method":   req.Method,
		"host":     req.URL.Host,
		"path":     req.URL.Path,
		"duration": time.Since(start).String(),
	}
	if err != nil {
		t.logger.WithFields(fields).WithError(err).Debug("Request failed")
		return nil, err
	}

	fields["status"] = resp.StatusCode
	fields["proto"] = resp.Proto
	t.logger.WithFields(fields).Debug("Request completed")
	return resp, nil
}
