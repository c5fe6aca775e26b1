// Package cmdb is a client for the Aquilon CMDB REST API. Each call checks the
// Kerberos precondition, retries only on 503, and maps the response status to
// a typed outcome.
package cmdb

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Observer receives one call per completed CMDB request.
type Observer interface {
	ObserveRequest(method string, code int)
}

// Options configures a Client.
type Options struct {
	BaseURL       string
	MachinePrefix string
	MachineModel  string
	CABundle      string
	RetryMax      int
	BackoffFactor time.Duration
	BackoffMax    time.Duration

	Credentials   CredentialChecker
	Authenticator Authenticator
	Observer      Observer
	// Transport overrides the TLS transport built from CABundle.
	Transport http.RoundTripper
}

// Client issues one REST call at a time against the CMDB.
type Client struct {
	baseURL  string
	prefix   string
	model    string
	creds    CredentialChecker
	observer Observer
	http     *retryablehttp.Client
	logger   *zap.Logger
}

// New returns a Client. Credentials is required; every request is refused
// until it passes.
func New(opts Options, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("cmdb base url is required")
	}
	if opts.Credentials == nil {
		return nil, fmt.Errorf("credential checker is required")
	}
	if opts.MachineModel == "" {
		opts.MachineModel = "vm-openstack"
	}

	base := opts.Transport
	if base == nil {
		t, err := tlsTransport(opts.CABundle)
		if err != nil {
			return nil, err
		}
		base = t
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{Transport: &authTransport{auth: opts.Authenticator, base: base}}
	rc.RetryMax = opts.RetryMax
	rc.RetryWaitMin = opts.BackoffFactor
	rc.RetryWaitMax = opts.BackoffMax
	rc.Backoff = exponentialBackoff
	rc.CheckRetry = retryOnUnavailable
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = retryLogger{logger.Named("retry").Sugar()}

	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}

	return &Client{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		prefix:   opts.MachinePrefix,
		model:    opts.MachineModel,
		creds:    opts.Credentials,
		observer: observer,
		http:     rc,
		logger:   logger,
	}, nil
}

func tlsTransport(caBundle string) (*http.Transport, error) {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if caBundle == "" {
		return t, nil
	}
	pem, err := os.ReadFile(caBundle)
	if err != nil {
		return nil, fmt.Errorf("read ca bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in %s", caBundle)
	}
	t.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	return t, nil
}

// exponentialBackoff waits factor*2^attempt, where min carries the factor.
func exponentialBackoff(min, max time.Duration, attempt int, _ *http.Response) time.Duration {
	wait := time.Duration(float64(min) * math.Pow(2, float64(attempt)))
	if max > 0 && wait > max {
		return max
	}
	return wait
}

// retryOnUnavailable retries 503 responses and nothing else.
func retryOnUnavailable(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return false, err
	}
	return resp.StatusCode == http.StatusServiceUnavailable, nil
}

// do performs one logical call (with retries) and classifies the result.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, desc string) (string, error) {
	if err := c.creds.Check(); err != nil {
		return "", fmt.Errorf("%s: %w: %v", desc, ErrMissingCredential, err)
	}

	u := c.baseURL + path
	if len(params) > 0 {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		u += sep + params.Encode()
	}
	c.logger.Debug("cmdb request", zap.String("method", method), zap.String("url", u), zap.String("desc", desc))

	req, err := retryablehttp.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return "", &ConnectionError{Desc: desc, Err: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", &ConnectionError{Desc: desc, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &ConnectionError{Desc: desc, Status: resp.StatusCode, Err: err}
	}
	text := string(body)
	c.observer.ObserveRequest(method, resp.StatusCode)

	switch resp.StatusCode {
	case http.StatusOK:
		c.logger.Debug("cmdb success", zap.String("desc", desc), zap.String("response", text))
		return text, nil
	case http.StatusBadRequest:
		// frequently expected (lookups of missing records), so debug only
		c.logger.Debug("cmdb error response", zap.String("desc", desc), zap.String("response", text))
		return "", &ExpectedFailureError{Desc: desc, Text: text}
	default:
		c.logger.Error("cmdb request failed",
			zap.String("desc", desc), zap.String("url", u),
			zap.Int("status", resp.StatusCode), zap.String("response", text))
		return "", &ConnectionError{Desc: desc, Status: resp.StatusCode, Body: text}
	}
}

type nopObserver struct{}

func (nopObserver) ObserveRequest(string, int) {}

// retryLogger routes retryablehttp's leveled logging into zap.
type retryLogger struct {
	s *zap.SugaredLogger
}

func (l retryLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l retryLogger) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l retryLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l retryLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
