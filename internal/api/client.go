package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/models"
)

var (
	// ErrUnauthorized means the session token was rejected; the caller
	// must treat this as an auth failure requiring re-login.
	ErrUnauthorized = errors.New("api: unauthorized")
	// ErrRideNotFound means the ride no longer exists server-side.
	ErrRideNotFound = errors.New("api: ride not found")
	// ErrValidation is returned before any network call when a mutation
	// payload fails local checks.
	ErrValidation = errors.New("api: validation failed")
)

// Retryable reports whether the error is transient (5xx, network,
// timeout) and worth trying again on the next tick.
func Retryable(err error) bool {
	return err != nil && !errors.Is(err, ErrUnauthorized) && !errors.Is(err, ErrRideNotFound) && !errors.Is(err, ErrValidation)
}

// Client talks to the ride backend. Every call carries an explicit
// timeout; a timed-out call is reported like any other failed call,
// never left pending.
type Client struct {
	base  string
	token string
	http  *http.Client
	log   *slog.Logger
}

func NewClient(base, token string, timeout time.Duration, log *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = logging.Component(nil, "api")
	}
	return &Client{base: base, token: token, http: &http.Client{Timeout: timeout}, log: log}
}

// FetchStatus retrieves the lightweight status+location projection.
func (c *Client) FetchStatus(ctx context.Context, rideID string) (models.StatusUpdate, error) {
	var out models.StatusUpdate
	err := c.do(ctx, http.MethodGet, "/api/v1/rides/"+rideID+"/status", nil, &out)
	return out, err
}

// FetchRide retrieves the complete ride record.
func (c *Client) FetchRide(ctx context.Context, rideID string) (models.RideSnapshot, error) {
	var out models.RideSnapshot
	err := c.do(ctx, http.MethodGet, "/api/v1/rides/"+rideID, nil, &out)
	return out, err
}

// MarkArrived tells the backend the driver is at the pickup point.
// Callers re-fetch the full detail afterwards rather than trusting the
// mutation response.
func (c *Client) MarkArrived(ctx context.Context, rideID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/rides/"+rideID+"/arrived", struct{}{}, nil)
}

// VerifyRideCode submits the pickup/drop OTP. Malformed codes are
// rejected locally before any network call.
func (c *Client) VerifyRideCode(ctx context.Context, rideID, code string) error {
	if len(code) != 4 || !allDigits(code) {
		return fmt.Errorf("%w: code must be 4 digits", ErrValidation)
	}
	body := map[string]string{"code": code}
	return c.do(ctx, http.MethodPost, "/api/v1/rides/"+rideID+"/verify-code", body, nil)
}

// CollectPayment records payment collection for the ride.
func (c *Client) CollectPayment(ctx context.Context, rideID, method string) error {
	if method == "" {
		return fmt.Errorf("%w: payment method required", ErrValidation)
	}
	body := map[string]string{"method": method}
	return c.do(ctx, http.MethodPost, "/api/v1/rides/"+rideID+"/collect-payment", body, nil)
}

// CancelRide cancels with a reason id.
func (c *Client) CancelRide(ctx context.Context, rideID string, reasonID int) error {
	if reasonID <= 0 {
		return fmt.Errorf("%w: cancellation reason required", ErrValidation)
	}
	body := map[string]int{"reason_id": reasonID}
	return c.do(ctx, http.MethodPost, "/api/v1/rides/"+rideID+"/cancel", body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("request failed", "method", method, "path", path, "error", err)
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return ErrRideNotFound
	case resp.StatusCode >= 400:
		c.log.Warn("request rejected", "method", method, "path", path, "status", resp.StatusCode)
		return fmt.Errorf("api: %s %s: status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decode %s: %w", path, err)
	}
	return nil
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
