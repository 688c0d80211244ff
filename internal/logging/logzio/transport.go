package logzio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/Chichichkin/LogzioShipper/internal/logging"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultReadTimeout    = 10 * time.Second

	// maxBodySnippet bounds how much of an error response is kept for logs.
	maxBodySnippet = 64 * 1024
)

type Options struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	Logger         *zap.Logger
	// Client replaces the HTTP client built from the timeouts.
	Client *http.Client
}

// Transport uploads batches to a listener with one POST per call.
type Transport struct {
	target     string
	redacted   string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewTransport(endpoint logging.Endpoint, opts Options) (*Transport, error) {
	target, redacted, err := buildTarget(endpoint)
	if err != nil {
		return nil, err
	}

	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           (&net.Dialer{Timeout: opts.ConnectTimeout}).DialContext,
				TLSHandshakeTimeout:   opts.ConnectTimeout,
				ResponseHeaderTimeout: opts.ReadTimeout,
				MaxIdleConns:          2,
				IdleConnTimeout:       90 * time.Second,
			},
			// upper bound for connect + upload + read of one request
			Timeout: opts.ConnectTimeout + 2*opts.ReadTimeout,
		}
	}

	return &Transport{
		target:     target,
		redacted:   redacted,
		httpClient: client,
		logger:     opts.Logger,
	}, nil
}

// buildTarget renders "{url}?token={token}&type={type}" and a copy of it with
// the token masked for logging.
func buildTarget(endpoint logging.Endpoint) (string, string, error) {
	u, err := url.Parse(endpoint.URL)
	if err != nil {
		return "", "", fmt.Errorf("parse endpoint url: %w", err)
	}
	streamType := endpoint.Type
	if streamType == "" {
		streamType = logging.DefaultType
	}

	query := u.Query()
	query.Set("token", endpoint.Token)
	query.Set("type", streamType)
	u.RawQuery = query.Encode()
	target := u.String()

	query.Set("token", "xxxxx")
	u.RawQuery = query.Encode()
	return target, u.String(), nil
}

// URL returns the upload URL with the token masked.
func (t *Transport) URL() string {
	return t.redacted
}

func (t *Transport) Send(ctx context.Context, batch logging.Batch) logging.Outcome {
	body := batch.Bytes()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.target, bytes.NewReader(body))
	if err != nil {
		return logging.Outcome{Kind: logging.OutcomeNetworkError, Err: t.redact(err)}
	}
	req.ContentLength = int64(len(body))
	req.Header.Set("Content-Type", "text/plain")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return logging.Outcome{Kind: logging.OutcomeNetworkError, Err: t.redact(err)}
	}
	defer resp.Body.Close()

	snippet, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodySnippet))
	// drain whatever is left so the connection can be reused
	_, _ = io.Copy(io.Discard, resp.Body)
	if readErr != nil {
		t.logger.Debug("could not read listener response", zap.Error(t.redact(readErr)))
	}

	outcome := logging.Outcome{
		StatusCode: resp.StatusCode,
		Body:       string(snippet),
	}
	switch resp.StatusCode {
	case http.StatusOK:
		outcome.Kind = logging.OutcomeOK
		outcome.Body = ""
	case http.StatusBadRequest, http.StatusUnauthorized:
		outcome.Kind = logging.OutcomeClientError
	default:
		outcome.Kind = logging.OutcomeServerError
	}

	t.logger.Debug("listener responded",
		zap.Int("status", resp.StatusCode),
		zap.Int("records", batch.Len()),
		zap.Int("bytes", len(body)),
	)
	return outcome
}

// redact keeps the token out of errors produced by net/http, which embed
// the full request URL.
func (t *Transport) redact(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &url.Error{Op: urlErr.Op, URL: t.redacted, Err: urlErr.Err}
	}
	return err
}
