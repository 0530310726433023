package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	webpush "github.com/SherClockHolmes/webpush-go"
)

const defaultPushTTLSeconds = 3600

// PushSender delivers one payload to one subscription. Implementations return
// an error wrapping ErrSubscriptionGone when the endpoint no longer exists.
type PushSender interface {
	Send(ctx context.Context, subscription PushSubscription, payload []byte) error
}

// WebPushConfig holds the VAPID material for Web Push delivery.
type WebPushConfig struct {
	PublicKey  string
	PrivateKey string
	Subscriber string
	TTLSeconds int
	HTTPClient *http.Client
}

// WebPushSender delivers through the Web Push protocol.
type WebPushSender struct {
	publicKey  string
	privateKey string
	subscriber string
	ttl        int
	httpClient *http.Client
}

// NewWebPushSender validates cfg and constructs a WebPushSender.
func NewWebPushSender(cfg WebPushConfig) (*WebPushSender, error) {
	if strings.TrimSpace(cfg.PublicKey) == "" || strings.TrimSpace(cfg.PrivateKey) == "" {
		return nil, errMissingVAPIDKeys
	}
	if strings.TrimSpace(cfg.Subscriber) == "" {
		return nil, errMissingVAPIDSubscriber
	}
	ttl := cfg.TTLSeconds
	if ttl <= 0 {
		ttl = defaultPushTTLSeconds
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &WebPushSender{
		publicKey:  strings.TrimSpace(cfg.PublicKey),
		privateKey: strings.TrimSpace(cfg.PrivateKey),
		subscriber: strings.TrimSpace(cfg.Subscriber),
		ttl:        ttl,
		httpClient: httpClient,
	}, nil
}

// PublicKey returns the VAPID application server key clients subscribe with.
func (s *WebPushSender) PublicKey() string {
	return s.publicKey
}

// Send delivers payload to the subscription endpoint.
func (s *WebPushSender) Send(ctx context.Context, subscription PushSubscription, payload []byte) error {
	response, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: subscription.Endpoint,
		Keys: webpush.Keys{
			Auth:   subscription.Auth,
			P256dh: subscription.P256dh,
		},
	}, &webpush.Options{
		HTTPClient:      s.httpClient,
		Subscriber:      s.subscriber,
		VAPIDPublicKey:  s.publicKey,
		VAPIDPrivateKey: s.privateKey,
		TTL:             s.ttl,
	})
	if err != nil {
		return err
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, response.Body)
	return classifyPushStatus(response.StatusCode)
}

func classifyPushStatus(status int) error {
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		return fmt.Errorf("%w: status %d", ErrSubscriptionGone, status)
	case status >= 200 && status < 300:
		return nil
	default:
		return fmt.Errorf("notifications: push endpoint returned status %d", status)
	}
}
