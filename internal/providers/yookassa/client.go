package yookassa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/lumapix/lumapix/internal/config"
	"github.com/lumapix/lumapix/internal/payment/domain"
	"go.uber.org/zap"
)

const defaultAPIURL = "https://api.yookassa.ru/v3"

// TrustedCIDRs are the published source ranges for YooKassa webhook calls.
// The provider does not sign payloads, so origin is the only authenticity
// signal.
var TrustedCIDRs = []string{
	"185.71.76.0/27",
	"185.71.77.0/27",
	"77.75.153.0/25",
	"77.75.154.128/25",
	"77.75.156.11/32",
	"77.75.156.35/32",
	"2a02:5180::/32",
	"127.0.0.1/32",
}

// ProviderError is a non-2xx answer from the API. The body is kept short for
// diagnostics; 404 on fetch maps to domain.ErrProviderNotFound instead.
type ProviderError struct {
	Status int
	Body   string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("yookassa: http %d: %s", e.Status, e.Body)
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	auth       string
	log        *zap.Logger
}

func New(cfg config.Config, log *zap.Logger) (*Client, error) {
	if cfg.YooKassaShopID == "" || cfg.YooKassaAPIKey == "" {
		return nil, fmt.Errorf("yookassa: shop id and api key are required")
	}
	baseURL := cfg.YooKassaAPIURL
	if baseURL == "" {
		baseURL = defaultAPIURL
	}
	raw := cfg.YooKassaShopID + ":" + cfg.YooKassaAPIKey
	return &Client{
		httpClient: &http.Client{Timeout: 20 * time.Second},
		baseURL:    baseURL,
		auth:       "Basic " + base64.StdEncoding.EncodeToString([]byte(raw)),
		log:        log.Named("providers.yookassa"),
	}, nil
}

type amountObject struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type cancellationDetails struct {
	Party  string `json:"party"`
	Reason string `json:"reason"`
}

type paymentObject struct {
	ID                  string               `json:"id"`
	Status              string               `json:"status"`
	Paid                bool                 `json:"paid"`
	Test                bool                 `json:"test"`
	Amount              *amountObject        `json:"amount"`
	Metadata            map[string]any       `json:"metadata"`
	CancellationDetails *cancellationDetails `json:"cancellation_details"`
	Confirmation        *struct {
		ConfirmationURL string `json:"confirmation_url"`
	} `json:"confirmation"`
}

// CreatePayment registers a payment and returns the redirect confirmation.
// The receipt is mandatory: one no-VAT line item plus the customer email.
func (c *Client) CreatePayment(ctx context.Context, idempotenceKey string, req domain.CreateIntentRequest) (*domain.CreatedIntent, error) {
	if req.Email == "" {
		return nil, domain.ErrMissingCustomerEmail
	}

	amount := map[string]string{
		"value":    strconv.FormatInt(req.RubAmount, 10) + ".00",
		"currency": currencyOrRUB(req.Currency),
	}
	description := req.Description
	if description == "" {
		description = "Lumapix top-up"
	}
	itemDescription := description
	if len(itemDescription) > 128 {
		itemDescription = itemDescription[:128]
	}
	payload := map[string]any{
		"amount":       amount,
		"capture":      true,
		"confirmation": map[string]string{"type": "redirect", "return_url": req.ReturnURL},
		"description":  description,
		"metadata":     req.Metadata,
		"receipt": map[string]any{
			"customer": map[string]string{"email": req.Email},
			"items": []map[string]any{{
				"description":     itemDescription,
				"quantity":        "1.0",
				"amount":          amount,
				"vat_code":        1,
				"payment_subject": "payment",
				"payment_mode":    "full_payment",
			}},
		},
	}

	if idempotenceKey == "" {
		idempotenceKey = uuid.NewString()
	}

	var obj paymentObject
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/payments", idempotenceKey, payload, &obj); err != nil {
		return nil, err
	}

	created := &domain.CreatedIntent{ProviderID: obj.ID, Status: obj.Status}
	if obj.Confirmation != nil {
		created.ConfirmationURL = obj.Confirmation.ConfirmationURL
	}
	c.log.Info("payment created",
		zap.String("provider_id", obj.ID),
		zap.String("status", obj.Status),
		zap.Int64("rub_amount", req.RubAmount),
	)
	return created, nil
}

// FetchPayment reads the current payment state and normalizes it into a
// status event for the engine. A 404 is routine for stale ids.
func (c *Client) FetchPayment(ctx context.Context, providerID string) (*domain.StatusEvent, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/payments/"+providerID, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", c.auth)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("yookassa: fetch %s: %w", providerID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		c.log.Info("payment unknown to provider", zap.String("provider_id", providerID))
		return nil, fmt.Errorf("yookassa: fetch %s: %w", providerID, domain.ErrProviderNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ProviderError{Status: resp.StatusCode, Body: shorten(body)}
	}

	var obj paymentObject
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("yookassa: decode payment %s: %w", providerID, err)
	}
	return normalizePayment(&obj), nil
}

func (c *Client) do(ctx context.Context, method, url, idempotenceKey string, payload any, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", c.auth)
	httpReq.Header.Set("Content-Type", "application/json")
	if idempotenceKey != "" {
		httpReq.Header.Set("Idempotence-Key", idempotenceKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("yookassa: %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Error("api call failed",
			zap.String("url", url),
			zap.Int("status", resp.StatusCode),
			zap.String("body", shorten(body)),
		)
		return &ProviderError{Status: resp.StatusCode, Body: shorten(body)}
	}
	return json.Unmarshal(body, out)
}

func normalizePayment(obj *paymentObject) *domain.StatusEvent {
	ev := &domain.StatusEvent{
		Kind:       domain.EventKindPayment,
		ProviderID: obj.ID,
		Status:     obj.Status,
		Metadata:   obj.Metadata,
		Test:       obj.Test,
	}
	if obj.Amount != nil {
		ev.RubAmount = parseRub(obj.Amount.Value)
		ev.Currency = obj.Amount.Currency
	}
	if obj.CancellationDetails != nil {
		ev.CancellationReason = obj.CancellationDetails.Reason
		ev.CancellationParty = obj.CancellationDetails.Party
	}
	return ev
}

func parseRub(value string) int64 {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	return int64(f)
}

func currencyOrRUB(currency string) string {
	if currency == "" {
		return "RUB"
	}
	return currency
}

func shorten(body []byte) string {
	const max = 512
	if len(body) > max {
		body = body[:max]
	}
	return string(body)
}
