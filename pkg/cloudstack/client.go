// Package cloudstack is a small signed-request client for the CloudStack API
// covering the list calls the poller needs.
package cloudstack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	internalerrors "github.com/rcourtman/pulse-cloudstack/internal/errors"
	"github.com/rcourtman/pulse-cloudstack/pkg/tlsutil"
	"github.com/rs/zerolog/log"
)

const (
	defaultPageSize   = 500
	defaultMaxRetries = 3
	maxPages          = 10000
	maxErrorBody      = 4096
)

// CloudStack's own code for a bad API key or signature.
const statusCredentialsInvalid = 432

type Client struct {
	baseURL    string
	httpClient *http.Client
	config     ClientConfig
	backoff    backoffConfig
	sleep      func(ctx context.Context, d time.Duration) error
}

type ClientConfig struct {
	BaseURL   string // e.g. https://cloud.example.com:443/client/api
	APIKey    string
	SecretKey string
	VerifySSL bool
	// Fingerprint pins the server certificate by SHA256 when set.
	Fingerprint string
	Timeout     time.Duration
	PageSize    int
	MaxRetries  int
	// RetryInitial is the first backoff delay; later delays double.
	RetryInitial time.Duration
	// Namespace labels errors with the configured instance.
	Namespace string
	// HTTPClient overrides the transport built from the TLS settings and Timeout.
	HTTPClient *http.Client
}

// errorResponse is the body CloudStack returns alongside a non-2xx status.
type errorResponse struct {
	ErrorCode   int    `json:"errorcode"`
	CSErrorCode int    `json:"cserrorcode"`
	ErrorText   string `json:"errortext"`
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("cloudstack base URL is required")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("cloudstack api key and secret key are required")
	}
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse cloudstack base URL: %w", err)
	}
	if parsed.Scheme == "http" {
		log.Warn().Str("url", cfg.BaseURL).Msg("Using HTTP for CloudStack connection - API keys are signed but traffic is readable")
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = tlsutil.CreateHTTPClientWithTimeout(cfg.VerifySSL, cfg.Fingerprint, cfg.Timeout)
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "?"),
		httpClient: httpClient,
		config:     cfg,
		backoff: backoffConfig{
			Initial:    cfg.RetryInitial,
			Multiplier: 2,
			Jitter:     0.2,
			Max:        30 * time.Second,
		},
		sleep: sleepContext,
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// query issues a signed GET for command and retries retryable failures.
func (c *Client) query(ctx context.Context, command string, params url.Values) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff.nextDelay(attempt-1, rand.Float64())
			log.Debug().
				Str("command", command).
				Int("attempt", attempt+1).
				Dur("delay", delay).
				Err(lastErr).
				Msg("Retrying CloudStack request")
			if err := c.sleep(ctx, delay); err != nil {
				return nil, internalerrors.WrapTimeoutError(opName(command), c.config.Namespace, err)
			}
		}

		body, err := c.do(ctx, command, params)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !internalerrors.IsRetryableError(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, command string, params url.Values) ([]byte, error) {
	op := opName(command)

	signed := url.Values{}
	for k, v := range params {
		signed[k] = append([]string(nil), v...)
	}
	signed.Set("command", command)
	signed.Set("apiKey", c.config.APIKey)
	signed.Set("response", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+signedQuery(signed, c.config.SecretKey), nil)
	if err != nil {
		return nil, internalerrors.NewPollError(internalerrors.ErrorTypeInternal, op, c.config.Namespace, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil, internalerrors.WrapTimeoutError(op, c.config.Namespace, err)
		}
		return nil, internalerrors.WrapConnectionError(op, c.config.Namespace, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, internalerrors.WrapConnectionError(op, c.config.Namespace, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode >= 400 {
		apiErr := fmt.Errorf("API error %d: %s", resp.StatusCode, errorText(command, body))
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == statusCredentialsInvalid {
			return nil, internalerrors.WrapAuthError(op, c.config.Namespace, apiErr, resp.StatusCode)
		}
		return nil, internalerrors.WrapAPIError(op, c.config.Namespace, apiErr, resp.StatusCode)
	}

	return body, nil
}

// errorText extracts errortext from an error body, falling back to the raw body.
func errorText(command string, body []byte) string {
	var envelope map[string]errorResponse
	if err := json.Unmarshal(body, &envelope); err == nil {
		if e, ok := envelope[responseKey(command)]; ok && e.ErrorText != "" {
			return e.ErrorText
		}
		for _, e := range envelope {
			if e.ErrorText != "" {
				return e.ErrorText
			}
		}
	}
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return strings.TrimSpace(string(body))
}

func responseKey(command string) string {
	return strings.ToLower(command) + "response"
}

func opName(command string) string {
	var b strings.Builder
	for i, r := range command {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// listPage is the inner object of a list response.
type listPage struct {
	Count int
	Items []json.RawMessage
}

func decodeListPage(command, itemKey string, body []byte) (listPage, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return listPage{}, err
	}
	inner, ok := envelope[responseKey(command)]
	if !ok {
		return listPage{}, fmt.Errorf("response has no %q object", responseKey(command))
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(inner, &fields); err != nil {
		return listPage{}, err
	}

	var page listPage
	if raw, ok := fields["count"]; ok {
		var count flexibleInt
		if err := json.Unmarshal(raw, &count); err != nil {
			return listPage{}, fmt.Errorf("decode count: %w", err)
		}
		page.Count = int(count.Int64())
	}
	// An absent collection means nothing matched.
	if raw, ok := fields[itemKey]; ok && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		if err := json.Unmarshal(raw, &page.Items); err != nil {
			return listPage{}, fmt.Errorf("decode %s: %w", itemKey, err)
		}
	}
	return page, nil
}

// listAll pages through command until a short page or the reported count.
func listAll[T any](ctx context.Context, c *Client, command, itemKey string, params url.Values, decode func(json.RawMessage) (T, error)) ([]T, error) {
	op := opName(command)
	out := make([]T, 0)
	pageSize := c.config.PageSize

	for page := 1; page <= maxPages; page++ {
		p := url.Values{}
		for k, v := range params {
			p[k] = v
		}
		p.Set("page", fmt.Sprintf("%d", page))
		p.Set("pagesize", fmt.Sprintf("%d", pageSize))

		body, err := c.query(ctx, command, p)
		if err != nil {
			return nil, err
		}

		lp, err := decodeListPage(command, itemKey, body)
		if err != nil {
			return nil, internalerrors.WrapDecodeError(op, c.config.Namespace, err)
		}
		for _, raw := range lp.Items {
			item, err := decode(raw)
			if err != nil {
				return nil, internalerrors.WrapDecodeError(op, c.config.Namespace, fmt.Errorf("decode %s: %w", itemKey, err))
			}
			out = append(out, item)
		}

		if len(lp.Items) < pageSize || (lp.Count > 0 && len(out) >= lp.Count) {
			return out, nil
		}
	}
	return out, nil
}

func decodeStruct[T any](raw json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(raw, &v)
	return v, err
}

func decodeEvent(raw json.RawMessage) (Event, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var e Event
	if err := dec.Decode(&e); err != nil {
		return nil, err
	}
	return e, nil
}

func scope(domainID string) url.Values {
	params := url.Values{}
	if domainID != "" {
		params.Set("domainid", domainID)
	}
	return params
}

// ListEvents lists events in domainID. A non-zero startDate is sent as the
// inclusive server-side startdate filter, formatted in its own offset.
func (c *Client) ListEvents(ctx context.Context, domainID string, startDate time.Time) ([]Event, error) {
	params := scope(domainID)
	if !startDate.IsZero() {
		params.Set("startdate", startDate.Format(StartDateLayout))
	}
	return listAll(ctx, c, "listEvents", "event", params, decodeEvent)
}

// ListVirtualMachines lists compute instances in domainID.
func (c *Client) ListVirtualMachines(ctx context.Context, domainID string) ([]VirtualMachine, error) {
	return listAll(ctx, c, "listVirtualMachines", "virtualmachine", scope(domainID), decodeStruct[VirtualMachine])
}

// ListVolumes lists storage volumes in domainID.
func (c *Client) ListVolumes(ctx context.Context, domainID string) ([]Volume, error) {
	return listAll(ctx, c, "listVolumes", "volume", scope(domainID), decodeStruct[Volume])
}
