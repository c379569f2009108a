package billing

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lunaria-app/lunaria/app/models"
)

// PubSubEnvelope is the Cloud Pub/Sub push delivery wrapper around an RTDN
// payload. Only the fields needed for deduplication and decoding are modeled.
type PubSubEnvelope struct {
	Message struct {
		Data        string `json:"data"`
		MessageID   string `json:"messageId"`
		PublishTime string `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// Subscription RTDN notification types, per the Play developer notification
// reference.
const (
	subNotificationRecovered          = 1
	subNotificationRenewed            = 2
	subNotificationCanceled           = 3
	subNotificationPurchased          = 4
	subNotificationOnHold             = 5
	subNotificationInGracePeriod      = 6
	subNotificationRestarted          = 7
	subNotificationPausedScheduled    = 10
	subNotificationPauseCancelled     = 11
	subNotificationRevoked            = 12
	subNotificationExpired            = 13
)

const (
	oneTimeNotificationPurchased = 1
	oneTimeNotificationCanceled  = 2
)

// DecodeNotification unwraps a Pub/Sub push envelope and extracts the dedupe
// key, purchase token, product id, and event-type hint from the RTDN payload.
// Returns ErrMalformedNotification for anything undecodable; a decodable
// payload with no purchase token (e.g. a test notification) yields a
// Notification with an empty PurchaseToken.
func DecodeNotification(body []byte) (*Notification, error) {
	var envelope PubSubEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: invalid envelope json: %v", ErrMalformedNotification, err)
	}
	if strings.TrimSpace(envelope.Message.MessageID) == "" {
		return nil, fmt.Errorf("%w: missing message id", ErrMalformedNotification)
	}
	if strings.TrimSpace(envelope.Message.Data) == "" {
		return nil, fmt.Errorf("%w: missing message data", ErrMalformedNotification)
	}

	decoded, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 data: %v", ErrMalformedNotification, err)
	}

	type relNotification struct {
		NotificationType    int    `json:"notificationType"`
		PurchaseToken       string `json:"purchaseToken"`
		SubscriptionID      string `json:"subscriptionId"`
		SKU                 string `json:"sku"`
		ProductType         int    `json:"productType"`
		ObfuscatedAccountID string `json:"obfuscatedExternalAccountId"`
	}
	var raw struct {
		Version                    string           `json:"version"`
		PackageName                string           `json:"packageName"`
		EventTimeMillis            string           `json:"eventTimeMillis"`
		SubscriptionNotification   *relNotification `json:"subscriptionNotification"`
		OneTimeProductNotification *relNotification `json:"oneTimeProductNotification"`
		VoidedPurchaseNotification *relNotification `json:"voidedPurchaseNotification"`
		TestNotification           *json.RawMessage `json:"testNotification"`
	}
	if err := json.Unmarshal(decoded, &raw); err != nil {
		return nil, fmt.Errorf("%w: invalid notification json: %v", ErrMalformedNotification, err)
	}

	n := &Notification{
		MessageID:  strings.TrimSpace(envelope.Message.MessageID),
		EventType:  models.EventTypeUnknown,
		RawPayload: string(decoded),
	}

	switch {
	case raw.SubscriptionNotification != nil:
		sub := raw.SubscriptionNotification
		n.PurchaseToken = strings.TrimSpace(sub.PurchaseToken)
		n.ProductID = strings.TrimSpace(sub.SubscriptionID)
		n.ObfuscatedAccountID = strings.TrimSpace(sub.ObfuscatedAccountID)
		n.EventType = subscriptionEventType(sub.NotificationType)
	case raw.OneTimeProductNotification != nil:
		otp := raw.OneTimeProductNotification
		n.PurchaseToken = strings.TrimSpace(otp.PurchaseToken)
		n.ProductID = strings.TrimSpace(otp.SKU)
		n.ObfuscatedAccountID = strings.TrimSpace(otp.ObfuscatedAccountID)
		if otp.NotificationType == oneTimeNotificationCanceled {
			n.EventType = models.EventTypeCancellation
		} else {
			n.EventType = models.EventTypePurchase
		}
	case raw.VoidedPurchaseNotification != nil:
		void := raw.VoidedPurchaseNotification
		n.PurchaseToken = strings.TrimSpace(void.PurchaseToken)
		n.ProductID = strings.TrimSpace(void.SKU)
		n.ObfuscatedAccountID = strings.TrimSpace(void.ObfuscatedAccountID)
		n.EventType = models.EventTypeRefund
	case raw.TestNotification != nil:
		// Play console test ping: no purchase to reconcile.
	}

	return n, nil
}

func subscriptionEventType(notificationType int) string {
	switch notificationType {
	case subNotificationPurchased, subNotificationRestarted:
		return models.EventTypePurchase
	case subNotificationRenewed, subNotificationRecovered:
		return models.EventTypeRenewal
	case subNotificationCanceled, subNotificationExpired, subNotificationOnHold,
		subNotificationInGracePeriod, subNotificationPausedScheduled, subNotificationPauseCancelled:
		return models.EventTypeCancellation
	case subNotificationRevoked:
		return models.EventTypeRefund
	default:
		return models.EventTypeUnknown
	}
}
