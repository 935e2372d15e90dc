package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cirrusfs/cirrusfs/internal/circuit"
	"github.com/cirrusfs/cirrusfs/pkg/errors"
	"github.com/cirrusfs/cirrusfs/pkg/retry"
)

// Runner executes a single API action against the server.
type Runner interface {
	// RunAction executes the action and returns the raw response body.
	RunAction(ctx context.Context, in Input) ([]byte, error)

	// RunActionStream executes the action, passing response bytes to fn as
	// they arrive. fn receives the byte offset of each chunk.
	RunActionStream(ctx context.Context, in Input, fn func(offset int64, data []byte) error) error

	// Hostname identifies the server for display and session records.
	Hostname() string

	// EnableRetry turns on retries for idempotent actions. Off during the
	// initial handshake so setup failures surface immediately.
	EnableRetry()
}

// HTTPRunner executes API actions over HTTP. Actions are POSTed to
// <base>/?app=<app>&action=<action> with form or multipart bodies.
type HTTPRunner struct {
	baseURL  string
	client   *http.Client
	retryer  *retry.Retryer
	breaker  *circuit.Breaker
	canRetry atomic.Bool
	log      *slog.Logger
}

// NewHTTPRunner creates an HTTPRunner for the given base URL.
func NewHTTPRunner(baseURL string, timeout time.Duration, log *slog.Logger) *HTTPRunner {
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &HTTPRunner{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        16,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retryer: retry.New(retry.DefaultConfig()),
		breaker: circuit.New(5, 30*time.Second),
		log:     log,
	}
}

// Hostname returns the host portion of the base URL.
func (r *HTTPRunner) Hostname() string {
	u, err := url.Parse(r.baseURL)
	if err != nil || u.Host == "" {
		return r.baseURL
	}
	return u.Host
}

// EnableRetry allows idempotent actions to be retried with backoff.
func (r *HTTPRunner) EnableRetry() { r.canRetry.Store(true) }

// RunAction executes the action and returns the raw response body.
func (r *HTTPRunner) RunAction(ctx context.Context, in Input) ([]byte, error) {
	var body []byte
	err := r.run(ctx, in, func(resp *http.Response) error {
		var err error
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("reading response: %w", errors.ErrConnection)
		}
		return nil
	})
	return body, err
}

// RunActionStream executes the action, streaming response bytes to fn.
func (r *HTTPRunner) RunActionStream(ctx context.Context, in Input, fn func(offset int64, data []byte) error) error {
	return r.run(ctx, in, func(resp *http.Response) error {
		if resp.StatusCode != http.StatusOK {
			// Failures come back as the JSON envelope, not file bytes.
			body, _ := io.ReadAll(resp.Body)
			if _, err := decodeResponse(body); err != nil {
				return err
			}
			return errors.NewAPIError(resp.StatusCode, "unexpected download status")
		}
		buf := make([]byte, 64*1024)
		var offset int64
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				if cbErr := fn(offset, buf[:n]); cbErr != nil {
					return cbErr
				}
				offset += int64(n)
			}
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("streaming response: %w", errors.ErrConnection)
			}
		}
	})
}

func (r *HTTPRunner) run(ctx context.Context, in Input, handle func(*http.Response) error) error {
	attempt := func(ctx context.Context) error {
		// With the server unreachable, fail fast instead of letting
		// every kernel request wait out the dial timeout.
		if err := r.breaker.Allow(); err != nil {
			return fmt.Errorf("%v: %w", err, errors.ErrConnection)
		}

		err := func() error {
			req, err := r.buildRequest(ctx, in)
			if err != nil {
				return err
			}

			resp, err := r.client.Do(req)
			if err != nil {
				return fmt.Errorf("%v: %w", err, errors.ErrConnection)
			}
			defer resp.Body.Close()

			if resp.StatusCode == http.StatusRequestEntityTooLarge {
				return errors.ErrInputSize
			}
			// Other statuses carry the JSON envelope; the facade maps them.
			return handle(resp)
		}()
		r.breaker.Record(errors.Is(err, errors.ErrConnection))
		return err
	}

	if in.Idempotent && r.canRetry.Load() {
		return r.retryer.Do(ctx, attempt)
	}
	return attempt(ctx)
}

func (r *HTTPRunner) buildRequest(ctx context.Context, in Input) (*http.Request, error) {
	endpoint := fmt.Sprintf("%s/?app=%s&action=%s",
		r.baseURL, url.QueryEscape(in.App), url.QueryEscape(in.Action))

	var body io.Reader
	var contentType string

	if len(in.Files) > 0 {
		buf := &bytes.Buffer{}
		writer := multipart.NewWriter(buf)
		for key, val := range in.Params {
			if err := writer.WriteField(key, val); err != nil {
				return nil, fmt.Errorf("building multipart: %w", err)
			}
		}
		for key, file := range in.Files {
			part, err := writer.CreateFormFile(key, file.Name)
			if err != nil {
				return nil, fmt.Errorf("building multipart: %w", err)
			}
			if _, err := part.Write(file.Data); err != nil {
				return nil, fmt.Errorf("building multipart: %w", err)
			}
		}
		if err := writer.Close(); err != nil {
			return nil, fmt.Errorf("building multipart: %w", err)
		}
		body = buf
		contentType = writer.FormDataContentType()
	} else {
		form := url.Values{}
		for key, val := range in.Params {
			form.Set(key, val)
		}
		body = strings.NewReader(form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	return req, nil
}
