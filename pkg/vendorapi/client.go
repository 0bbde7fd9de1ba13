// Package vendorapi implements the two-step vendor credential exchange
// that yields the device list the bridge forwards traffic for.
package vendorapi

import (
	"context"
	"crypto/md5" //nolint:gosec // required by the vendor API's own auth scheme
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/tomquist/hame-relay/pkg/logger"
)

const (
	defaultBaseURL  = "https://hame.hame.whgxnet.com"
	userAgent       = "Hame/3.2.0 (iPhone; iOS 16.0; Scale/3.00)"
	loginPath       = "/app/Solar/v2_get_device.php"
	deviceListPath  = "/ems/api/v1/getDeviceList"
	perCallAttempts = 3
	compositeTries  = 2
)

// Error classifications for the login step (spec.md §4.2).
var (
	ErrEmailNotRegistered = errors.New("vendorapi: email not registered")
	ErrWrongPassword      = errors.New("vendorapi: wrong password")
	ErrLoginFailed        = errors.New("vendorapi: login failed")
	ErrDeviceListFailed   = errors.New("vendorapi: getDeviceList failed")
	ErrFetchDevicesFailed = errors.New("vendorapi: fetchDevices exhausted retries")
)

// DeviceRecord is one entry of the vendor's device list response.
type DeviceRecord struct {
	DeviceID string `json:"devid"`
	Name     string `json:"name"`
	MAC      string `json:"mac"`
	Type     string `json:"type"`
	Version  json.RawMessage `json:"version"`
	Salt     string `json:"salt"`
}

// Client is the vendor API collaborator: it knows nothing about brokers,
// topics, or forwarding — only how to exchange credentials for a device
// list, with retries on transient failure.
type Client struct {
	baseURL string
	http    *http.Client
	log     logger.Logger
}

// NewClient builds a Client. An empty baseURL uses the vendor's production
// endpoint.
func NewClient(baseURL string, log logger.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     log,
	}
}

type loginResponse struct {
	Code  string `json:"code"`
	Msg   string `json:"msg"`
	Token string `json:"token"`
}

type deviceListResponse struct {
	Code int            `json:"code"`
	Msg  string         `json:"msg"`
	Data []DeviceRecord `json:"data"`
}

// FetchDevices runs the full two-step exchange (login, then device list),
// retrying the composite operation up to compositeTries times on top of
// each call's own per-call retry budget.
func (c *Client) FetchDevices(ctx context.Context, email, password string) ([]DeviceRecord, error) {
	var lastErr error

	for attempt := 1; attempt <= compositeTries; attempt++ {
		token, err := c.login(ctx, email, password)
		if err != nil {
			if isFatalCredentialError(err) {
				return nil, err
			}

			lastErr = err

			continue
		}

		devices, err := c.getDeviceList(ctx, email, token)
		if err != nil {
			lastErr = err
			continue
		}

		return devices, nil
	}

	return nil, fmt.Errorf("%w: %w", ErrFetchDevicesFailed, lastErr)
}

func isFatalCredentialError(err error) bool {
	return errors.Is(err, ErrEmailNotRegistered) || errors.Is(err, ErrWrongPassword)
}

// login performs the first exchange step and returns the session token.
func (c *Client) login(ctx context.Context, email, password string) (string, error) {
	sum := md5.Sum([]byte(password)) //nolint:gosec // vendor API mandates MD5
	pwdHash := hex.EncodeToString(sum[:])

	q := url.Values{"mailbox": {email}, "pwd": {pwdHash}}
	target := c.baseURL + loginPath + "?" + q.Encode()

	var parsed loginResponse

	if err := c.doWithRetry(ctx, target, &parsed); err != nil {
		return "", fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}

	switch {
	case parsed.Code == "2" && parsed.Token != "":
		return parsed.Token, nil
	case parsed.Code == "3":
		return "", ErrEmailNotRegistered
	case parsed.Code == "4":
		return "", ErrWrongPassword
	default:
		return "", fmt.Errorf("%w: code=%s msg=%s", ErrLoginFailed, parsed.Code, parsed.Msg)
	}
}

// getDeviceList performs the second exchange step.
func (c *Client) getDeviceList(ctx context.Context, email, token string) ([]DeviceRecord, error) {
	q := url.Values{"mailbox": {email}, "token": {token}}
	target := c.baseURL + deviceListPath + "?" + q.Encode()

	var parsed deviceListResponse

	if err := c.doWithRetry(ctx, target, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceListFailed, err)
	}

	if parsed.Code != 1 {
		return nil, fmt.Errorf("%w: code=%d msg=%s", ErrDeviceListFailed, parsed.Code, parsed.Msg)
	}

	return parsed.Data, nil
}

// doWithRetry performs a single GET against target, decoding the JSON body
// into out, retrying up to perCallAttempts times per the schedule in
// spec.md §4.2: delay = min(1s * 2^(attempt-1), 10s), retried only on HTTP
// 5xx or a transport error classified as transient.
func (c *Client) doWithRetry(ctx context.Context, target string, out interface{}) error {
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     time.Second,
		MaxInterval:         10 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0,
	}
	bo.Reset()

	var lastErr error

	for attempt := 1; attempt <= perCallAttempts; attempt++ {
		err := c.doOnce(ctx, target, out)
		if err == nil {
			return nil
		}

		lastErr = err

		if !isRetryable(err) || attempt == perCallAttempts {
			break
		}

		delay := bo.NextBackOff()

		c.log.Warn().Str("url", target).Int("attempt", attempt).Dur("retry_in", delay).Err(err).
			Msg("vendor API call failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return lastErr
}

type httpStatusError struct {
	status int
}

func (e *httpStatusError) Error() string {
	return "vendorapi: unexpected status " + strconv.Itoa(e.status)
}

func (c *Client) doOnce(ctx context.Context, target string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}

	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return &httpStatusError{status: resp.StatusCode}
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("vendorapi: non-retryable status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	return json.Unmarshal(body, out)
}

// isRetryable matches spec.md §4.2: HTTP 5xx, or a transport error whose
// underlying code is ETIMEDOUT/ECONNRESET.
func isRetryable(err error) bool {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return true
	}

	return isTransientNetworkError(err)
}
