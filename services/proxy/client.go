package proxy

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

	"go.uber.org/zap"

	"imagegen-payment-api/models"
)

const (
	endpointProcessPayment = "processPayment"
	endpointProcess3DS     = "process3DS"
	endpointProducts       = "getProducts"
)

// APIError surfaces non-successful HTTP responses from the proxy.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("payment proxy error: status=%d body=%s", e.StatusCode, e.Body)
}

// ErrActivationRejected marks an activation call that answered 2xx with success=false.
var ErrActivationRejected = errors.New("subscription activation rejected")

// Client talks to the PHP payment proxy and the subscription manager.
type Client struct {
	httpClient    *http.Client
	baseURL       string
	activationURL string
	appID         string
	logger        *zap.Logger
}

func NewClient(baseURL, activationURL, appID string, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	baseURL = strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("proxy base URL is required")
	}
	if activationURL == "" {
		activationURL = baseURL + "/api/subscribe/manage.php"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		httpClient:    httpClient,
		baseURL:       baseURL,
		activationURL: activationURL,
		appID:         appID,
		logger:        logger,
	}, nil
}

// AppID is the application id the proxy expects on every payment call.
func (c *Client) AppID() string {
	return c.appID
}

// ProcessPayment submits a cryptogram charge. Declines come back as a
// response with Success=false, not as an error.
func (c *Client) ProcessPayment(ctx context.Context, req ChargeRequest) (*ChargeResponse, error) {
	if req.CardCryptogramPacket == "" {
		return nil, errors.New("card cryptogram is required")
	}
	if req.AppID == "" {
		req.AppID = c.appID
	}

	var resp ChargeResponse
	if err := c.callEndpoint(ctx, endpointProcessPayment, req, &resp); err != nil {
		return nil, err
	}

	c.logger.Info("proxy charge response",
		zap.Bool("success", resp.Success),
		zap.Bool("has_model", resp.Model != nil),
		zap.String("product_id", req.ProductID),
	)
	return &resp, nil
}

// Process3DS verifies the ACS result for a transaction.
func (c *Client) Process3DS(ctx context.Context, req VerifyRequest) (*VerifyResponse, error) {
	if req.MD == "" || req.PaRes == "" {
		return nil, errors.New("MD and PaRes are required")
	}
	if req.AppID == "" {
		req.AppID = c.appID
	}

	var resp VerifyResponse
	if err := c.callEndpoint(ctx, endpointProcess3DS, req, &resp); err != nil {
		return nil, err
	}

	c.logger.Info("proxy 3ds verification response",
		zap.String("transaction_id", req.MD),
		zap.Bool("success", resp.Success),
	)
	return &resp, nil
}

// ActivateSubscription activates the caller's subscription. Any non-2xx
// answer is a hard failure.
func (c *Client) ActivateSubscription(ctx context.Context, token string) (*ActivationResponse, error) {
	if token == "" {
		return nil, errors.New("auth token is required")
	}

	_, body, err := c.doRequest(ctx, http.MethodPost, c.activationURL, token, ActivationRequest{Action: "activate", Token: token})
	if err != nil {
		return nil, err
	}

	var resp ActivationResponse
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("decode activation response: %w", err)
		}
	}
	if resp.Success != nil && !*resp.Success {
		return &resp, fmt.Errorf("%w: %s", ErrActivationRejected, resp.Message)
	}

	return &resp, nil
}

// Products lists the subscription offers.
func (c *Client) Products(ctx context.Context) ([]models.Product, error) {
	_, body, err := c.doRequest(ctx, http.MethodGet, c.endpointURL(endpointProducts), "", nil)
	if err != nil {
		return nil, err
	}

	var resp productsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode products response: %w", err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("products request failed: %s", resp.Message)
	}
	return resp.Products, nil
}

func (c *Client) endpointURL(endpoint string) string {
	return fmt.Sprintf("%s/pay.php?endpoint=%s", c.baseURL, endpoint)
}

// callEndpoint posts payload and decodes into out. A 4xx that still carries
// a JSON body with a message is decoded too, since the proxy reports
// declines that way.
func (c *Client) callEndpoint(ctx context.Context, endpoint string, payload, out any) error {
	_, body, err := c.doRequest(ctx, http.MethodPost, c.endpointURL(endpoint), "", payload)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < 500 && decodesWithMessage(apiErr.Body, out) {
			return nil
		}
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}

func decodesWithMessage(body string, out any) bool {
	var probe struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(body), &probe); err != nil || probe.Message == "" {
		return false
	}
	return json.Unmarshal([]byte(body), out) == nil
}

func (c *Client) doRequest(ctx context.Context, method, url, token string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return 0, nil, err
		}
		body = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, nil, err
	}

	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, data, &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	return resp.StatusCode, data, nil
}
