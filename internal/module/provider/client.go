package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/simdesk/server/internal/shared/metrics"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

const (
	accessCodeHeader = "RT-AccessCode"

	pathQuery  = "/api/v1/open/esim/query"
	pathCancel = "/api/v1/open/esim/cancel"
	pathOrder  = "/api/v1/open/esim/order"
)

// Config contains provider client configuration.
type Config struct {
	BaseURL          string
	AccessCode       string
	RequestTimeout   time.Duration
	MaxRetries       int
	RetryBackoff     time.Duration
	PollInterval     time.Duration
	MaxPollAttempts  int
	FailureThreshold uint32
	CircuitTimeout   time.Duration
}

// DefaultConfig returns the default provider client configuration.
func DefaultConfig() *Config {
	return &Config{
		RequestTimeout:   15 * time.Second,
		MaxRetries:       2,
		RetryBackoff:     500 * time.Millisecond,
		PollInterval:     5 * time.Second,
		MaxPollAttempts:  6,
		FailureThreshold: 5,
		CircuitTimeout:   60 * time.Second,
	}
}

// Client talks to the upstream eSIM provider over HTTP.
type Client struct {
	config     *Config
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[[]byte]
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewClient creates a provider client. httpClient may be nil.
func NewClient(cfg *Config, httpClient *http.Client, m *metrics.Metrics, logger *zap.Logger) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if m == nil {
		m = metrics.NewNop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("esim-provider")
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "esim-provider",
		MaxRequests: 1,
		Timeout:     cfg.CircuitTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return apiErr.HTTPStatus < 500
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &Client{
		config:     cfg,
		httpClient: httpClient,
		breaker:    breaker,
		metrics:    m,
		logger:     logger,
	}
}

// CheckEsimStatus queries the provider for the current state of an order.
func (c *Client) CheckEsimStatus(ctx context.Context, orderID string) (*StatusResult, error) {
	var resp queryResponse
	req := queryRequest{OrderNo: orderID, Pager: pager{PageNum: 1, PageSize: 20}}
	if err := c.call(ctx, "query", pathQuery, req, &resp); err != nil {
		return nil, fmt.Errorf("check esim status %s: %w", orderID, err)
	}
	if len(resp.EsimList) == 0 {
		return nil, fmt.Errorf("check esim status %s: %w", orderID, ErrOrderNotFound)
	}

	raw := resp.EsimList[0]
	var item esimItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("check esim status %s: %w", orderID, ErrMalformedResponse)
	}

	orderNo := item.OrderNo
	if orderNo == "" {
		orderNo = orderID
	}
	return &StatusResult{
		OrderID:          orderNo,
		EsimTranNo:       item.EsimTranNo,
		Status:           strings.ToUpper(item.EsimStatus),
		SMDPStatus:       item.SMDPStatus,
		UsageBytes:       item.OrderUsage.Value,
		TotalVolumeBytes: item.TotalVolume.Value,
		ExpiryDate:       ParseTime(item.ExpiredTime),
		QRCode:           item.QRCodeURL,
		ActivationCode:   item.AC,
		ICCID:            item.ICCID,
		InstallationTime: ParseTime(item.InstallationTime),
		ActivateTime:     ParseTime(item.ActivateTime),
		RawData:          raw,
	}, nil
}

// CancelEsim cancels an unused profile at the provider.
// When iccid is unknown the provider's transaction number is looked up first.
func (c *Client) CancelEsim(ctx context.Context, orderID, iccid string) (bool, error) {
	req := cancelRequest{ICCID: iccid}
	if iccid == "" {
		status, err := c.CheckEsimStatus(ctx, orderID)
		if err != nil {
			return false, fmt.Errorf("cancel esim %s: %w", orderID, err)
		}
		req = cancelRequest{EsimTranNo: status.EsimTranNo, ICCID: status.ICCID}
	}

	if err := c.call(ctx, "cancel", pathCancel, req, nil); err != nil {
		return false, fmt.Errorf("cancel esim %s: %w", orderID, err)
	}

	c.logger.Info("esim cancelled at provider", zap.String("order_id", orderID))
	return true, nil
}

// PurchaseEsim orders one profile of the given provider package.
func (c *Client) PurchaseEsim(ctx context.Context, providerPlanID, email string) (*PurchaseResult, error) {
	req := orderRequest{
		TransactionID:   uuid.New().String(),
		PackageInfoList: []packageInfo{{PackageCode: providerPlanID, Count: 1}},
	}

	var raw json.RawMessage
	if err := c.call(ctx, "order", pathOrder, req, &raw); err != nil {
		return nil, fmt.Errorf("purchase esim %s: %w", providerPlanID, err)
	}

	var resp orderResponse
	if err := json.Unmarshal(raw, &resp); err != nil || resp.OrderNo == "" {
		return nil, fmt.Errorf("purchase esim %s: %w", providerPlanID, ErrMalformedResponse)
	}

	c.logger.Info("esim purchased",
		zap.String("order_id", resp.OrderNo),
		zap.String("package", providerPlanID),
		zap.String("email", email),
	)
	return &PurchaseResult{
		OrderID:       resp.OrderNo,
		TransactionID: req.TransactionID,
		RawData:       raw,
	}, nil
}

// WaitForEsimActivationData polls the provider until the QR code is issued.
// It gives up after MaxPollAttempts and returns the best data seen with Success=false.
func (c *Client) WaitForEsimActivationData(ctx context.Context, orderID string) (*ActivationData, error) {
	attempts := c.config.MaxPollAttempts
	if attempts <= 0 {
		attempts = 1
	}

	best := &ActivationData{}
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return best, ctx.Err()
			case <-time.After(c.config.PollInterval):
			}
		}

		status, err := c.CheckEsimStatus(ctx, orderID)
		if err != nil {
			c.logger.Debug("activation data not ready",
				zap.String("order_id", orderID),
				zap.Int("attempt", i+1),
				zap.Error(err),
			)
			continue
		}

		best = &ActivationData{
			QRCode:         status.QRCode,
			ActivationCode: status.ActivationCode,
			ICCID:          status.ICCID,
		}
		if status.HasQRCode() {
			best.Success = true
			return best, nil
		}
	}

	c.logger.Warn("activation data not available after polling",
		zap.String("order_id", orderID),
		zap.Int("attempts", attempts),
	)
	return best, nil
}

// call sends one JSON request with retries and decodes the envelope's obj into out.
func (c *Client) call(ctx context.Context, operation, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.config.RetryBackoff * time.Duration(attempt)):
			}
		}

		start := time.Now()
		data, err := c.breaker.Execute(func() ([]byte, error) {
			return c.doRequest(ctx, path, payload)
		})
		if err == nil {
			err = decodeEnvelope(data, out)
		}
		c.metrics.RecordProviderRequest(operation, outcome(err), time.Since(start))

		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}

		lastErr = err
		if !retryable(err) || ctx.Err() != nil {
			break
		}
		c.logger.Warn("provider request failed, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	var apiErr *APIError
	if errors.As(lastErr, &apiErr) || !retryable(lastErr) {
		return lastErr
	}
	return fmt.Errorf("%w: %v", ErrProviderUnavailable, lastErr)
}

func (c *Client) doRequest(ctx context.Context, path string, payload []byte) ([]byte, error) {
	reqCtx := ctx
	if c.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, strings.TrimRight(c.config.BaseURL, "/")+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(accessCodeHeader, c.config.AccessCode)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &APIError{
			Code:       http.StatusText(resp.StatusCode),
			Message:    strings.TrimSpace(string(data)),
			HTTPStatus: resp.StatusCode,
		}
	}
	return data, nil
}

func decodeEnvelope(data []byte, out any) error {
	var env apiEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ErrMalformedResponse
	}
	if !env.Success {
		return &APIError{Code: env.ErrorCode, Message: env.ErrorMsg}
	}
	if out == nil || len(env.Obj) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Obj, out); err != nil {
		return ErrMalformedResponse
	}
	return nil
}

func outcome(err error) string {
	var apiErr *APIError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "circuit_open"
	case errors.As(err, &apiErr):
		return "rejected"
	default:
		return "error"
	}
}
