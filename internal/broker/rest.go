package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"broker-gateway/internal/config"
	gwerrors "broker-gateway/internal/errors"
	"broker-gateway/internal/models"
	"broker-gateway/pkg/utils"
)

const maxResponseBytes = 64 << 20

// restClient is the HTTP plumbing shared by the JSON adapters.
type restClient struct {
	broker  models.BrokerID
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	retry   utils.RetryConfig
	logger  zerolog.Logger
}

func newRESTClient(id models.BrokerID, cfg config.BrokerConfig, httpClient *http.Client, logger zerolog.Logger) *restClient {
	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Inf
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	retry := utils.DefaultRetryConfig()
	if cfg.ReadRetries > 0 {
		retry.MaxAttempts = cfg.ReadRetries
	}
	retry.ShouldRetry = gwerrors.IsRetryable
	return &restClient{
		broker:  id,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpClient,
		limiter: rate.NewLimiter(limit, burst),
		retry:   retry,
		logger:  logger,
	}
}

// restRequest describes one call. write marks calls that mutate broker
// state: they are never retried and an ambiguous failure is flagged.
type restRequest struct {
	op     string
	method string
	path   string
	query  url.Values
	header http.Header
	body   interface{}
	write  bool
}

// response is a raw broker reply.
type response struct {
	status int
	body   []byte
}

// send performs the request once. Transport failures and 5xx replies are
// reported as BrokerUnreachable; everything else is left to the caller's
// envelope decoding.
func (c *restClient) send(ctx context.Context, r restRequest) (*response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, gwerrors.Unreachable(string(c.broker), r.op, err, false)
	}

	target := r.path
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = c.baseURL + r.path
	}
	if len(r.query) > 0 {
		target += "?" + r.query.Encode()
	}

	var body io.Reader
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			return nil, gwerrors.Wrap(gwerrors.KindInternalMapping, err, "encoding request body")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, target, body)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindInternalMapping, err, "building request")
	}
	for k, vs := range r.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if r.body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, gwerrors.Unreachable(string(c.broker), r.op, err, r.write)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, gwerrors.Unreachable(string(c.broker), r.op, fmt.Errorf("reading response: %w", err), r.write)
	}

	c.logger.Debug().
		Str("op", r.op).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Broker HTTP call")

	if resp.StatusCode >= 500 {
		return nil, gwerrors.Unreachable(string(c.broker), r.op,
			fmt.Errorf("HTTP %d: %s", resp.StatusCode, snippet(data)), r.write)
	}
	return &response{status: resp.StatusCode, body: data}, nil
}

// call sends r and hands the reply to decode. Reads are retried while the
// failure is BrokerUnreachable; writes are attempted exactly once.
func (c *restClient) call(ctx context.Context, r restRequest, decode func(*response) error) error {
	if r.write {
		resp, err := c.send(ctx, r)
		if err != nil {
			return err
		}
		return decode(resp)
	}
	return utils.Retry(ctx, c.retry, func() error {
		resp, err := c.send(ctx, r)
		if err != nil {
			return err
		}
		return decode(resp)
	})
}

// malformed reports a reply the adapter could not understand. For writes
// the order may still have been accepted.
func (c *restClient) malformed(op string, resp *response, err error, write bool) error {
	return gwerrors.Unreachable(string(c.broker), op,
		fmt.Errorf("malformed response (HTTP %d): %w: %s", resp.status, err, snippet(resp.body)), write)
}

func snippet(b []byte) string {
	const max = 200
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

// flexFloat accepts numbers encoded either as JSON numbers or strings.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q: %w", s, err)
	}
	*f = flexFloat(v)
	return nil
}

// flexInt is flexFloat truncated to an integer.
type flexInt int64

func (i *flexInt) UnmarshalJSON(b []byte) error {
	var f flexFloat
	if err := f.UnmarshalJSON(b); err != nil {
		return err
	}
	*i = flexInt(f)
	return nil
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}
