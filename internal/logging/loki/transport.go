// Package loki ships batches to a Grafana Loki push endpoint instead of a
// Logz.io listener. Records are grouped into streams by their pod labels.
package loki

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/Chichichkin/LogzioShipper/internal/logging"
)

const (
	pushPath       = "/loki/api/v1/push"
	maxBodySnippet = 64 * 1024
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// streamLabels are the record fields promoted to Loki stream labels.
var streamLabels = []string{"namespace", "pod", "container", "node"}

type Stream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

type Payload struct {
	Streams []Stream `json:"streams"`
}

type Options struct {
	// Tenant is sent as X-Scope-OrgID when set.
	Tenant         string
	Job            string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	Logger         *zap.Logger
	Client         *http.Client
	// Now stamps records without a parsable @timestamp.
	Now func() time.Time
}

type Transport struct {
	pushURL    string
	tenant     string
	job        string
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time
}

func NewTransport(baseURL string, opts Options) (*Transport, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse loki url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("loki url %q is not http(s)", baseURL)
	}

	if opts.Job == "" {
		opts.Job = "node-logger"
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           (&net.Dialer{Timeout: opts.ConnectTimeout}).DialContext,
				ResponseHeaderTimeout: opts.ReadTimeout,
			},
			Timeout: opts.ConnectTimeout + 2*opts.ReadTimeout,
		}
	}

	return &Transport{
		pushURL:    u.String() + pushPath,
		tenant:     opts.Tenant,
		job:        opts.Job,
		httpClient: client,
		logger:     opts.Logger,
		now:        opts.Now,
	}, nil
}

func (t *Transport) Send(ctx context.Context, batch logging.Batch) logging.Outcome {
	body, err := json.Marshal(t.createPayload(batch.Records()))
	if err != nil {
		return logging.Outcome{Kind: logging.OutcomeClientError, Err: fmt.Errorf("marshal payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.pushURL, bytes.NewReader(body))
	if err != nil {
		return logging.Outcome{Kind: logging.OutcomeNetworkError, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if t.tenant != "" {
		req.Header.Set("X-Scope-OrgID", t.tenant)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return logging.Outcome{Kind: logging.OutcomeNetworkError, Err: err}
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodySnippet))
	_, _ = io.Copy(io.Discard, resp.Body)

	outcome := logging.Outcome{StatusCode: resp.StatusCode, Body: string(snippet)}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		outcome.Kind = logging.OutcomeOK
		outcome.Body = ""
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		outcome.Kind = logging.OutcomeServerError
	default:
		// malformed or out-of-order entries, bad tenant
		outcome.Kind = logging.OutcomeClientError
	}

	t.logger.Debug("loki responded",
		zap.Int("status", resp.StatusCode),
		zap.Int("records", batch.Len()),
		zap.Int("bytes", len(body)),
	)
	return outcome
}

// createPayload groups records into one stream per label set, keeping
// their order within each stream.
func (t *Transport) createPayload(records []logging.Record) Payload {
	index := make(map[string]int)
	payload := Payload{Streams: []Stream{}}

	for _, rec := range records {
		labels := t.createLabels(rec)
		key := streamKey(labels)

		i, ok := index[key]
		if !ok {
			i = len(payload.Streams)
			index[key] = i
			payload.Streams = append(payload.Streams, Stream{Stream: labels, Values: [][2]string{}})
		}

		ts := strconv.FormatInt(t.timestamp(rec).UnixNano(), 10)
		payload.Streams[i].Values = append(payload.Streams[i].Values, [2]string{ts, string(rec)})
	}
	return payload
}

func (t *Transport) createLabels(rec logging.Record) map[string]string {
	labels := map[string]string{"job": t.job}
	for _, name := range streamLabels {
		if v := jsoniter.Get(rec, name); v.ValueType() == jsoniter.StringValue && v.ToString() != "" {
			labels[name] = v.ToString()
		}
	}
	return labels
}

func (t *Transport) timestamp(rec logging.Record) time.Time {
	raw := jsoniter.Get(rec, logging.TimestampField).ToString()
	if ts, err := time.Parse(logging.TimestampLayout, raw); err == nil {
		return ts
	}
	return t.now()
}

func streamKey(labels map[string]string) string {
	var b strings.Builder
	for _, name := range append([]string{"job"}, streamLabels...) {
		b.WriteString(labels[name])
		b.WriteByte(0)
	}
	return b.String()
}
