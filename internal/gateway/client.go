package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cloudnotify/internal/notification"
	"go.uber.org/zap"
)

const (
	defaultTimeout   = 10 * time.Second
	maxResponseBytes = 1 << 20

	// DefaultTimeToLive is the gateway-side message lifetime in seconds.
	DefaultTimeToLive = 28800
)

// Gateway error codes reported inside a 200 response.
const (
	ErrorUnavailable               = "Unavailable"
	ErrorInternalServerError       = "InternalServerError"
	ErrorNotRegistered             = "NotRegistered"
	ErrorDeviceMessageRateExceeded = "DeviceMessageRateExceeded"
)

var (
	// ErrMissingServerURL indicates the gateway endpoint was not configured.
	ErrMissingServerURL = errors.New("gateway: server url is required")
	// ErrMissingServerToken indicates the gateway credential was not configured.
	ErrMissingServerToken = errors.New("gateway: server token is required")
	// ErrMalformedResponse indicates a 200 response whose body could not be decoded.
	ErrMalformedResponse = errors.New("gateway: malformed response")
)

// Outcome classifies a single exchange with the gateway.
type Outcome int

const (
	OutcomeDelivered Outcome = iota
	OutcomeRetry
	OutcomeNotRegistered
	OutcomeRateLimited
	OutcomeRejected
	OutcomeTransportError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeRetry:
		return "retry"
	case OutcomeNotRegistered:
		return "not_registered"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeRejected:
		return "rejected"
	case OutcomeTransportError:
		return "transport_error"
	default:
		return "unknown"
	}
}

// RequestNotification is the human readable block rendered in the device tray.
type RequestNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Icon  string `json:"icon"`
}

// Request is the JSON body posted to the gateway.
type Request struct {
	To           string                     `json:"to"`
	TimeToLive   int                        `json:"time_to_live"`
	Notification *RequestNotification       `json:"notification,omitempty"`
	Data         *notification.Notification `json:"data,omitempty"`
}

// Response is the classified result of Send.
type Response struct {
	Outcome    Outcome
	StatusCode int
	ErrorCode  string
	// RetryAfter is the gateway supplied delay hint; zero when absent.
	RetryAfter time.Duration
	Err        error
}

type responseBody struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
	Results []struct {
		MessageID string `json:"message_id"`
		Error     string `json:"error"`
	} `json:"results"`
}

// Config holds the gateway endpoint, credential and HTTP settings.
type Config struct {
	ServerURL   string
	ServerToken string
	Timeout     time.Duration
	HTTPClient  *http.Client
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Client posts requests to the push gateway. It is safe for concurrent use; every Send is an
// independent HTTP exchange.
type Client struct {
	serverURL   string
	serverToken string
	httpClient  *http.Client
	clock       func() time.Time
	logger      *zap.Logger
}

// NewClient constructs a Client; both the server URL and token are required.
func NewClient(cfg Config) (*Client, error) {
	serverURL := strings.TrimSpace(cfg.ServerURL)
	if serverURL == "" {
		return nil, ErrMissingServerURL
	}
	serverToken := strings.TrimSpace(cfg.ServerToken)
	if serverToken == "" {
		return nil, ErrMissingServerToken
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		serverURL:   serverURL,
		serverToken: serverToken,
		httpClient:  httpClient,
		clock:       clock,
		logger:      logger,
	}, nil
}

// Send performs one synchronous POST and classifies the gateway's answer.
func (c *Client) Send(ctx context.Context, request Request) Response {
	body, err := json.Marshal(request)
	if err != nil {
		return Response{Outcome: OutcomeTransportError, Err: fmt.Errorf("encode request: %w", err)}
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL, bytes.NewReader(body))
	if err != nil {
		return Response{Outcome: OutcomeTransportError, Err: err}
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Authorization", "key="+c.serverToken)
	httpRequest.Header.Set("Content-Length", strconv.Itoa(len(body)))
	httpRequest.ContentLength = int64(len(body))

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return Response{Outcome: OutcomeTransportError, Err: err}
	}
	defer httpResponse.Body.Close()

	response := Response{
		StatusCode: httpResponse.StatusCode,
		RetryAfter: parseRetryAfter(httpResponse.Header.Get("Retry-After"), c.clock()),
	}

	switch {
	case httpResponse.StatusCode == http.StatusOK:
		payload, err := io.ReadAll(io.LimitReader(httpResponse.Body, maxResponseBytes))
		if err != nil {
			response.Outcome = OutcomeTransportError
			response.Err = err
			return response
		}
		var decoded responseBody
		if err := json.Unmarshal(payload, &decoded); err != nil {
			response.Outcome = OutcomeTransportError
			response.Err = fmt.Errorf("%w: %v", ErrMalformedResponse, err)
			return response
		}
		response.ErrorCode = firstError(decoded)
		response.Outcome = classifyErrorCode(response.ErrorCode)
	case httpResponse.StatusCode == http.StatusInternalServerError:
		response.Outcome = OutcomeRetry
	default:
		response.Outcome = OutcomeRejected
		response.Err = fmt.Errorf("gateway: unexpected status %d", httpResponse.StatusCode)
	}

	c.logger.Debug("gateway exchange completed",
		zap.Int("status", response.StatusCode),
		zap.String("outcome", response.Outcome.String()),
		zap.String("error_code", response.ErrorCode))
	return response
}

func firstError(body responseBody) string {
	for _, result := range body.Results {
		if code := strings.TrimSpace(result.Error); code != "" {
			return code
		}
	}
	return ""
}

func classifyErrorCode(code string) Outcome {
	switch code {
	case "":
		return OutcomeDelivered
	case ErrorUnavailable, ErrorInternalServerError:
		return OutcomeRetry
	case ErrorNotRegistered:
		return OutcomeNotRegistered
	case ErrorDeviceMessageRateExceeded:
		return OutcomeRateLimited
	default:
		return OutcomeRejected
	}
}

// parseRetryAfter accepts delta seconds or an HTTP date; anything else yields zero.
func parseRetryAfter(raw string, now time.Time) time.Duration {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	when, err := http.ParseTime(value)
	if err != nil {
		return 0
	}
	delay := when.Sub(now)
	if delay <= 0 {
		return 0
	}
	return delay.Round(time.Second)
}
