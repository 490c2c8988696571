// Package client is the HTTP transport of the immogest API: one base URL, a
// bearer credential, JSON and multipart encoding, and typed errors.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/l0p7/immogest/internal/logging"
)

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Options configures a Client.
type Options struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// HTTPClient overrides the default http.Client; Timeout is ignored when set.
	HTTPClient httpDoer
	// RateLimit caps requests per second across the client; zero disables it.
	RateLimit         float64
	RateBurst         int
	CorrelationHeader string
	Logger            *slog.Logger
}

// Client executes API requests. It is safe for concurrent use.
type Client struct {
	baseURL           *url.URL
	token             string
	http              httpDoer
	limiter           *rate.Limiter
	correlationHeader string
	logger            *slog.Logger
}

// New validates the base URL and builds a client.
func New(opts Options) (*Client, error) {
	raw := strings.TrimSpace(opts.BaseURL)
	if raw == "" {
		return nil, errors.New("client: base URL required")
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("client: parse base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("client: base URL scheme unsupported: %q", base.Scheme)
	}
	doer := opts.HTTPClient
	if doer == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		doer = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	header := strings.TrimSpace(opts.CorrelationHeader)
	if header == "" {
		header = "X-Request-ID"
	}
	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = max(1, int(opts.RateLimit))
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return &Client{
		baseURL:           base,
		token:             opts.Token,
		http:              doer,
		limiter:           limiter,
		correlationHeader: header,
		logger:            logger.With(slog.String("agent", "transport")),
	}, nil
}

// File is the file part of a multipart request.
type File struct {
	Field       string
	Name        string
	ContentType string
	Content     io.Reader
}

// Request describes one API call. Body is JSON encoded unless File is set, in
// which case Fields and File are sent as multipart/form-data.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
	Fields map[string]string
	File   *File
}

// Do sends req and decodes a successful JSON response into out (when non-nil).
// Every failure is returned as *Error.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	httpReq, err := c.build(ctx, req)
	if err != nil {
		return err
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &Error{Kind: KindNetwork, Message: "rate limit wait aborted", Err: err}
		}
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return &Error{Kind: KindNetwork, Err: err}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	c.logger.Debug("api request completed",
		slog.String("method", httpReq.Method),
		slog.String("path", httpReq.URL.Path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("latency", time.Since(start)),
		slog.String("correlation_id", httpReq.Header.Get(c.correlationHeader)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return &Error{Kind: KindUnexpected, Status: resp.StatusCode, Message: "malformed response body", Err: err}
	}
	return nil
}

func (c *Client) build(ctx context.Context, req Request) (*http.Request, error) {
	// Paths arrive already escaped, so they are joined textually and re-parsed.
	target, err := url.Parse(c.baseURL.String() + "/" + strings.TrimLeft(req.Path, "/"))
	if err != nil {
		return nil, fmt.Errorf("client: build URL for %q: %w", req.Path, err)
	}
	if len(req.Query) > 0 {
		target.RawQuery = req.Query.Encode()
	}

	var body io.Reader
	contentType := ""
	switch {
	case req.File != nil:
		buf, ct, err := encodeMultipart(req.Fields, req.File)
		if err != nil {
			return nil, err
		}
		body, contentType = buf, ct
	case req.Body != nil:
		raw, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("client: encode body: %w", err)
		}
		body, contentType = bytes.NewReader(raw), "application/json"
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("client: build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}
	httpReq.Header.Set(c.correlationHeader, uuid.NewString())
	return httpReq, nil
}

func encodeMultipart(fields map[string]string, file *File) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			return nil, "", fmt.Errorf("client: multipart field %s: %w", name, err)
		}
	}
	field := file.Field
	if field == "" {
		field = "file"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, file.Name))
	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("client: multipart file: %w", err)
	}
	if file.Content != nil {
		if _, err := io.Copy(part, file.Content); err != nil {
			return nil, "", fmt.Errorf("client: multipart copy: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("client: multipart close: %w", err)
	}
	return &buf, writer.FormDataContentType(), nil
}

type errorBody struct {
	Error   string              `json:"error"`
	Message string              `json:"message"`
	Errors  map[string][]string `json:"errors"`
}

func decodeError(resp *http.Response) error {
	cerr := &Error{Kind: kindForStatus(resp.StatusCode), Status: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body errorBody
	if len(raw) > 0 && json.Unmarshal(raw, &body) == nil {
		cerr.Message = body.Message
		if cerr.Message == "" {
			cerr.Message = body.Error
		}
		if len(body.Errors) > 0 {
			cerr.Fields = body.Errors
		}
	}
	if cerr.Message == "" {
		cerr.Message = http.StatusText(resp.StatusCode)
	}
	return cerr
}
