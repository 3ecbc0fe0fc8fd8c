package easyslip

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// DefaultEndpoint is the EasySlip verification endpoint
const DefaultEndpoint = "https://developer.easyslip.com/api/v1/verify"

const defaultTimeout = 30 * time.Second

// maxResponseSize caps how much of a response body is read
const maxResponseSize = 4 << 20

var errRequestFinished = errors.New("easyslip: request finished")

// Client verifies slips against the EasySlip API.
// A Client is safe for concurrent use.
type Client struct {
	apiKey   string
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

type options struct {
	endpoint           string
	httpClient         *http.Client
	timeout            time.Duration
	insecureSkipVerify bool
	logger             *slog.Logger
}

// Option configures a Client
type Option func(*options)

// WithEndpoint overrides the verification endpoint
func WithEndpoint(endpoint string) Option {
	return func(o *options) {
		o.endpoint = endpoint
	}
}

// WithHTTPClient uses the given HTTP client as is. WithTimeout and
// WithInsecureSkipVerify have no effect when it is set.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

// WithTimeout sets the timeout of a single verification request
func WithTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.timeout = timeout
	}
}

// WithInsecureSkipVerify disables TLS certificate verification.
// Only use this against test servers.
func WithInsecureSkipVerify(skip bool) Option {
	return func(o *options) {
		o.insecureSkipVerify = skip
	}
}

// WithLogger sets the logger used for debug request tracing
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// NewClient creates a new Client authenticating with the given API key
func NewClient(apiKey string, opts ...Option) *Client {
	o := options{
		endpoint: DefaultEndpoint,
		timeout:  defaultTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	httpClient := o.httpClient
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if o.insecureSkipVerify {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in
		}
		httpClient = &http.Client{
			Timeout:   o.timeout,
			Transport: transport,
		}
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		apiKey:   apiKey,
		endpoint: o.endpoint,
		client:   httpClient,
		logger:   logger,
	}
}

// VerifyByPayload verifies a slip by the payload read from its QR code
func (c *Client) VerifyByPayload(ctx context.Context, payload string) (*VerificationResult, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("easyslip: parsing endpoint: %w", err)
	}
	q := u.Query()
	q.Set("payload", payload)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("easyslip: creating request: %w", err)
	}
	return c.do(req)
}

// VerifyByImage verifies a slip by uploading the image at imagePath.
// It returns a *FileAccessError without sending anything when the file cannot be opened.
func (c *Client) VerifyByImage(ctx context.Context, imagePath string) (*VerificationResult, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, &FileAccessError{Path: imagePath, Err: err}
	}
	defer f.Close()

	return c.VerifyByImageReader(ctx, filepath.Base(imagePath), f)
}

// VerifyByImageReader verifies a slip by streaming the image read from r
// as the multipart field "file".
func (c *Client) VerifyByImageReader(ctx context.Context, filename string, r io.Reader) (*VerificationResult, error) {
	if filename == "" {
		filename = "slip"
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, pr)
	if err != nil {
		pr.Close()
		return nil, fmt.Errorf("easyslip: creating request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	done := make(chan struct{})
	go func() {
		defer close(done)
		pw.CloseWithError(writeFilePart(mw, filename, r))
	}()

	result, err := c.do(req)

	// The transport may stop reading early; unblock the writer before waiting on it.
	pr.CloseWithError(errRequestFinished)
	<-done

	return result, err
}

func writeFilePart(mw *multipart.Writer, filename string, r io.Reader) error {
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, r); err != nil {
		return err
	}
	return mw.Close()
}

// do sends req and decodes the response. Transport errors are returned unchanged.
func (c *Client) do(req *http.Request) (*VerificationResult, error) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	ctx := req.Context()
	c.logger.DebugContext(ctx, "Sending verification request", "method", req.Method, "endpoint", c.endpoint)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxResponseSize {
		return nil, &DecodeError{Field: "body", Err: fmt.Errorf("response exceeds %d bytes", maxResponseSize)}
	}

	c.logger.DebugContext(ctx, "Received verification response", "status", resp.StatusCode, "size", len(body))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, decodeFailure(body)
	}
	return decodeResponse(body)
}
