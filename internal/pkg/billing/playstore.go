package billing

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

	"github.com/lunaria-app/lunaria/internal/pkg/env"
)

const defaultPlayAPIBaseURL = "https://androidpublisher.googleapis.com/androidpublisher/v3"

// PlayClient calls the Google Play Developer API (androidpublisher v3). The
// OAuth access token for the service account is minted by an external
// collaborator and injected via a token source func so it can rotate.
type PlayClient struct {
	PackageName string
	APIBaseURL  string

	TokenSource func() string
	HTTPClient  *http.Client
}

// NewPlayClientFromEnv builds a client from PLAY_* environment variables.
func NewPlayClientFromEnv() *PlayClient {
	return &PlayClient{
		PackageName: strings.TrimSpace(env.GetEnv("PLAY_PACKAGE_NAME", "app.lunaria.android")),
		APIBaseURL:  strings.TrimRight(env.GetEnv("PLAY_API_BASE_URL", defaultPlayAPIBaseURL), "/"),
		TokenSource: func() string {
			return strings.TrimSpace(env.GetEnv("PLAY_API_ACCESS_TOKEN", ""))
		},
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// productPurchaseResource is purchases.products.get, trimmed to the fields
// the reconciler consumes.
type productPurchaseResource struct {
	OrderID                     string `json:"orderId"`
	PurchaseState               int    `json:"purchaseState"`    // 0 purchased, 1 canceled, 2 pending
	ConsumptionState            int    `json:"consumptionState"` // 0 yet to be consumed, 1 consumed
	AcknowledgementState        int    `json:"acknowledgementState"`
	ObfuscatedExternalAccountID string `json:"obfuscatedExternalAccountId"`
}

// subscriptionPurchaseResource is purchases.subscriptionsv2.get, trimmed.
type subscriptionPurchaseResource struct {
	SubscriptionState    string `json:"subscriptionState"`
	LatestOrderID        string `json:"latestOrderId"`
	AcknowledgementState string `json:"acknowledgementState"`
	LineItems            []struct {
		ProductID  string `json:"productId"`
		ExpiryTime string `json:"expiryTime"`
	} `json:"lineItems"`
	ExternalAccountIdentifiers struct {
		ObfuscatedExternalAccountID string `json:"obfuscatedExternalAccountId"`
	} `json:"externalAccountIdentifiers"`
}

// ValidatePurchase resolves the provider's current authoritative state for
// the token. With a product id it asks the one-time product endpoint first
// and falls back to the subscription endpoint, mirroring the on-device flow
// where the SKU type is not always known to the backend.
func (c *PlayClient) ValidatePurchase(ctx context.Context, productID, purchaseToken string) (*PurchaseState, error) {
	token := strings.TrimSpace(purchaseToken)
	if token == "" {
		return nil, fmt.Errorf("%w: empty purchase token", ErrInvalidPurchaseToken)
	}

	if pid := strings.TrimSpace(productID); pid != "" {
		state, err := c.getProductPurchase(ctx, pid, token)
		if err == nil {
			return state, nil
		}
		if !errors.Is(err, ErrInvalidPurchaseToken) {
			return nil, err
		}
	}
	return c.getSubscriptionPurchase(ctx, token)
}

func (c *PlayClient) getProductPurchase(ctx context.Context, productID, token string) (*PurchaseState, error) {
	url := fmt.Sprintf("%s/applications/%s/purchases/products/%s/tokens/%s",
		c.APIBaseURL, c.PackageName, productID, token)

	var resource productPurchaseResource
	if err := c.doJSON(ctx, http.MethodGet, url, nil, &resource); err != nil {
		return nil, err
	}

	state := StatePending
	switch resource.PurchaseState {
	case 0:
		state = StateActive
	case 1:
		// For one-time products a canceled purchase is a void/refund.
		state = StateRefunded
	}

	return &PurchaseState{
		Kind:                KindProduct,
		ProductID:           productID,
		State:               state,
		OrderID:             strings.TrimSpace(resource.OrderID),
		Acknowledged:        resource.AcknowledgementState == 1,
		Consumed:            resource.ConsumptionState == 1,
		ObfuscatedAccountID: strings.TrimSpace(resource.ObfuscatedExternalAccountID),
	}, nil
}

func (c *PlayClient) getSubscriptionPurchase(ctx context.Context, token string) (*PurchaseState, error) {
	url := fmt.Sprintf("%s/applications/%s/purchases/subscriptionsv2/tokens/%s",
		c.APIBaseURL, c.PackageName, token)

	var resource subscriptionPurchaseResource
	if err := c.doJSON(ctx, http.MethodGet, url, nil, &resource); err != nil {
		return nil, err
	}

	out := &PurchaseState{
		Kind:                KindSubscription,
		State:               normalizeSubscriptionState(resource.SubscriptionState),
		OrderID:             strings.TrimSpace(resource.LatestOrderID),
		Acknowledged:        resource.AcknowledgementState == "ACKNOWLEDGEMENT_STATE_ACKNOWLEDGED",
		ObfuscatedAccountID: strings.TrimSpace(resource.ExternalAccountIdentifiers.ObfuscatedExternalAccountID),
	}
	if len(resource.LineItems) > 0 {
		item := resource.LineItems[0]
		out.ProductID = strings.TrimSpace(item.ProductID)
		if t, err := time.Parse(time.RFC3339, strings.TrimSpace(item.ExpiryTime)); err == nil {
			out.ExpiryTime = &t
		}
	}
	return out, nil
}

func normalizeSubscriptionState(state string) PurchaseStateValue {
	switch strings.TrimSpace(state) {
	case "SUBSCRIPTION_STATE_ACTIVE", "SUBSCRIPTION_STATE_IN_GRACE_PERIOD":
		return StateActive
	case "SUBSCRIPTION_STATE_CANCELED", "SUBSCRIPTION_STATE_ON_HOLD", "SUBSCRIPTION_STATE_PAUSED":
		return StateCancelled
	case "SUBSCRIPTION_STATE_EXPIRED":
		return StateExpired
	default:
		return StatePending
	}
}

// Acknowledge settles the purchase with Play. A failure here must not fail
// the grant; callers hand the retry to the ack sweep.
func (c *PlayClient) Acknowledge(ctx context.Context, kind PurchaseKind, productID, purchaseToken string) error {
	var url string
	if kind == KindSubscription {
		url = fmt.Sprintf("%s/applications/%s/purchases/subscriptions/%s/tokens/%s:acknowledge",
			c.APIBaseURL, c.PackageName, productID, purchaseToken)
	} else {
		url = fmt.Sprintf("%s/applications/%s/purchases/products/%s/tokens/%s:acknowledge",
			c.APIBaseURL, c.PackageName, productID, purchaseToken)
	}
	return c.doJSON(ctx, http.MethodPost, url, map[string]string{}, nil)
}

// Consume marks a one-time product consumed so the store allows repurchase.
func (c *PlayClient) Consume(ctx context.Context, productID, purchaseToken string) error {
	url := fmt.Sprintf("%s/applications/%s/purchases/products/%s/tokens/%s:consume",
		c.APIBaseURL, c.PackageName, productID, purchaseToken)
	return c.doJSON(ctx, http.MethodPost, url, map[string]string{}, nil)
}

// CancelSubscription turns off auto-renew for the subscription.
func (c *PlayClient) CancelSubscription(ctx context.Context, subscriptionID, purchaseToken string) error {
	url := fmt.Sprintf("%s/applications/%s/purchases/subscriptions/%s/tokens/%s:cancel",
		c.APIBaseURL, c.PackageName, subscriptionID, purchaseToken)
	return c.doJSON(ctx, http.MethodPost, url, map[string]string{}, nil)
}

func (c *PlayClient) doJSON(ctx context.Context, method, url string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.TokenSource != nil {
		if token := c.TokenSource(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		// Timeouts and connection failures are retryable by definition.
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := classifyStatus(resp.StatusCode, payload); err != nil {
		return err
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%w: undecodable provider response: %v", ErrProviderUnavailable, err)
	}
	return nil
}

// classifyStatus splits provider failures into permanent token rejections and
// transient outages. 408 and 429 are retryable despite being 4xx.
func classifyStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status=%d body=%s", ErrProviderUnavailable, status, truncate(body, 512))
	case status >= 400 && status < 500:
		return fmt.Errorf("%w: status=%d body=%s", ErrInvalidPurchaseToken, status, truncate(body, 512))
	default:
		return fmt.Errorf("%w: status=%d body=%s", ErrProviderUnavailable, status, truncate(body, 512))
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
