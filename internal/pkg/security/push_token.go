package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"

	"github.com/lunaria-app/lunaria/internal/pkg/env"
)

// The Pub/Sub push subscription appends a shared token to the endpoint URL.
// The token proves the request came from our own subscription, not from an
// arbitrary poster who found the URL.

var ErrInvalidPushToken = errors.New("invalid push token")

// VerifyPushToken compares the token from the push request against the
// configured secret. Comparison goes through HMAC so the check runs in
// constant time regardless of how much of the token matches.
func VerifyPushToken(token, secret string) error {
	if secret == "" {
		return errors.New("secret is required for push token verification")
	}
	key := []byte("push-token-verify")
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(token))
	got := mac.Sum(nil)
	mac = hmac.New(sha256.New, key)
	mac.Write([]byte(secret))
	want := mac.Sum(nil)
	if !hmac.Equal(got, want) {
		return ErrInvalidPushToken
	}
	return nil
}

// PushTokenFromEnv returns the configured push token secret. An empty value
// disables verification, which is only acceptable in local development.
func PushTokenFromEnv() string {
	return env.GetEnv("PLAY_PUSH_TOKEN", "")
}
