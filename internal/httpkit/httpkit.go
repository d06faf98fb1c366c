// Package httpkit builds the HTTP clients Reeve uses for outbound
// calls. Provider adapters and bundled actions construct their clients
// here instead of touching http.DefaultClient, so dial and header
// timeouts, connection pooling, and the User-Agent header stay uniform
// across the process.
package httpkit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/nugget/reeve/internal/buildinfo"
)

// Transport defaults. Individual clients set their own overall request
// timeout; these bound the connection-level phases.
const (
	DefaultDialTimeout         = 10 * time.Second
	DefaultKeepAlive           = 30 * time.Second
	DefaultTLSHandshakeTimeout = 10 * time.Second
	DefaultResponseHeader      = 15 * time.Second
	DefaultIdleConnTimeout     = 90 * time.Second
	DefaultMaxIdleConns        = 20
	DefaultMaxIdleConnsPerHost = 5
)

// ClientOption configures a client built by NewClient.
type ClientOption func(*clientConfig)

type clientConfig struct {
	timeout    time.Duration
	transport  *http.Transport
	retryCount int
	retryDelay time.Duration
	logger     *slog.Logger
}

// WithTimeout sets the overall request timeout. Zero disables it;
// callers are then expected to bound each request with a context
// deadline.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.timeout = d }
}

// WithTransport substitutes a transport built by NewTransport and
// adjusted by the caller, usually for a longer response-header wait.
func WithTransport(t *http.Transport) ClientOption {
	return func(c *clientConfig) { c.transport = t }
}

// WithRetry re-sends requests that fail with a transient connect error
// (host or network unreachable, connection refused). Those failures
// happen before any bytes reach the server, so a retry cannot
// duplicate work. Requests carrying a body are retried only when
// GetBody can rewind it.
func WithRetry(count int, delay time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.retryCount = count
		c.retryDelay = delay
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *clientConfig) { c.logger = l }
}

// NewTransport returns an http.Transport with the package's timeout
// and pool defaults. Callers needing a different shape adjust the
// result and pass it back through WithTransport.
func NewTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   DefaultDialTimeout,
			KeepAlive: DefaultKeepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeader,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		MaxIdleConns:          DefaultMaxIdleConns,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
}

// NewClient builds an *http.Client over the shared transport defaults.
// Every request goes out under the build's User-Agent unless it
// already carries one.
func NewClient(opts ...ClientOption) *http.Client {
	cfg := &clientConfig{timeout: 30 * time.Second}
	for _, o := range opts {
		o(cfg)
	}

	t := cfg.transport
	if t == nil {
		t = NewTransport()
	}

	var rt http.RoundTripper = &identityTransport{base: t}
	if cfg.retryCount > 0 {
		rt = &retryTransport{
			base:   rt,
			count:  cfg.retryCount,
			delay:  cfg.retryDelay,
			logger: cfg.logger,
		}
	}

	return &http.Client{
		Timeout:   cfg.timeout,
		Transport: rt,
	}
}

// identityTransport stamps the build's User-Agent on requests that do
// not set their own.
type identityTransport struct {
	base http.RoundTripper
}

func (t *identityTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		// Clone: a RoundTripper must not mutate the caller's request.
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", buildinfo.UserAgent())
	}
	return t.base.RoundTrip(req)
}

// retryTransport re-sends requests that failed with a retryable
// connect error, waiting delay between attempts.
type retryTransport struct {
	base   http.RoundTripper
	count  int
	delay  time.Duration
	logger *slog.Logger
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)

	for attempt := 1; attempt <= t.count; attempt++ {
		if err == nil || !retryableConnectError(err) {
			return resp, err
		}
		if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
			// The body is consumed and nothing can rewind it.
			return resp, err
		}

		if t.logger != nil {
			t.logger.Debug("retrying after connect error",
				"method", req.Method,
				"url", req.URL.String(),
				"attempt", attempt,
				"error", err,
			)
		}

		timer := time.NewTimer(t.delay)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}

		retry := req.Clone(req.Context())
		if req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, fmt.Errorf("retry: rewind body: %w", bodyErr)
			}
			retry.Body = body
		}
		resp, err = t.base.RoundTrip(retry)
	}

	return resp, err
}

// retryableConnectError reports whether err is a transient failure
// from the connect phase. errors.As unwraps through net.OpError and
// os.SyscallError chains on its own. ECONNRESET is deliberately
// absent: a reset can arrive after the server has acted on the
// request.
func retryableConnectError(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.ECONNREFUSED:
		return true
	}
	return false
}

// ReadErrorBody reads up to limit bytes of rc for an error message,
// drains the remainder so the connection can be reused, and closes it.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	drainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}

// drainAndClose discards up to limit remaining bytes and closes rc so
// the underlying connection returns to the pool.
func drainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}
