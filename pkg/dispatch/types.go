// Package dispatch contains the public domain model shared by the token stores,
// the message builder and the provider dispatchers.
package dispatch

import (
	"fmt"
	"time"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// Platform is the kind of device a token was registered from.
type Platform string

const (
	PlatformWeb     Platform = "web"
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
)

// Platforms lists every supported platform in dispatch order.
var Platforms = []Platform{PlatformWeb, PlatformAndroid, PlatformIOS}

// ParsePlatform validates a raw platform name.
func ParsePlatform(s string) (Platform, error) {
	switch p := Platform(s); p {
	case PlatformWeb, PlatformAndroid, PlatformIOS:
		return p, nil
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// Provider is the push service that delivers to a token.
type Provider string

const (
	ProviderFCM     Provider = "fcm"
	ProviderAPNs    Provider = "apns"
	ProviderWebPush Provider = "webpush"
)

// ParseProvider validates a raw provider name. An empty name means FCM.
func ParseProvider(s string) (Provider, error) {
	switch p := Provider(s); p {
	case "":
		return ProviderFCM, nil
	case ProviderFCM, ProviderAPNs, ProviderWebPush:
		return p, nil
	}
	return "", fmt.Errorf("unknown provider %q", s)
}

// WebPushKeys are the browser-generated keys of a raw Web Push subscription.
// Both values are base64url encoded, as handed out by PushSubscription.toJSON().
type WebPushKeys struct {
	P256dh string `json:"p256dh" firestore:"p256dh"`
	Auth   string `json:"auth" firestore:"auth"`
}

// DeviceToken is one registered push destination.
// For ProviderWebPush, Token holds the subscription endpoint.
type DeviceToken struct {
	User      urn.URN      `json:"user"`
	Token     string       `json:"token"`
	Platform  Platform     `json:"platform"`
	Provider  Provider     `json:"provider"`
	WebPush   *WebPushKeys `json:"web_push,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Validate checks the token is dispatchable.
func (t DeviceToken) Validate() error {
	if t.Token == "" {
		return fmt.Errorf("token is empty")
	}
	if _, err := ParsePlatform(string(t.Platform)); err != nil {
		return err
	}
	if _, err := ParseProvider(string(t.Provider)); err != nil {
		return err
	}
	if t.Provider == ProviderWebPush && (t.WebPush == nil || t.WebPush.P256dh == "" || t.WebPush.Auth == "") {
		return fmt.Errorf("web push subscription requires p256dh and auth keys")
	}
	if t.Provider == ProviderAPNs && t.Platform != PlatformIOS {
		return fmt.Errorf("apns tokens must be registered for the ios platform")
	}
	if t.Provider == ProviderWebPush && t.Platform != PlatformWeb {
		return fmt.Errorf("web push subscriptions must be registered for the web platform")
	}
	return nil
}

// Priority of a notification.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
)

// Notification is the provider-neutral content a caller wants delivered.
type Notification struct {
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Sound       string            `json:"sound,omitempty"`
	Icon        string            `json:"icon,omitempty"`
	ClickAction string            `json:"click_action,omitempty"`
	Badge       *int              `json:"badge,omitempty"`
	Data        map[string]string `json:"data,omitempty"`
	CollapseKey string            `json:"collapse_key,omitempty"`
	TTL         time.Duration     `json:"-"`
	Priority    Priority          `json:"priority,omitempty"`
}

// Alert is the visible part of a mobile notification.
type Alert struct {
	Title string
	Body  string
}

// Message is a notification shaped for one platform. Provider dispatchers
// encode it into their own wire format.
type Message struct {
	Platform Platform
	// Alert is nil for data-only messages.
	Alert       *Alert
	Data        map[string]string
	Sound       string
	Icon        string
	ClickAction string
	Badge       *int
	ChannelID   string
	CollapseKey string
	TTL         time.Duration
	Priority    Priority
}

// Result is the outcome of a send to a single token.
type Result struct {
	Token     DeviceToken
	MessageID string
	Err       error
	// Invalid is set when the provider reported the token as dead.
	Invalid bool
}

// Receipt summarises a dispatch.
type Receipt struct {
	Sent    int
	Failed  int
	Invalid []DeviceToken
	Results []Result
}

// Record adds a single result to the receipt.
func (r *Receipt) Record(res Result) {
	r.Results = append(r.Results, res)
	switch {
	case res.Err == nil:
		r.Sent++
	case res.Invalid:
		r.Failed++
		r.Invalid = append(r.Invalid, res.Token)
	default:
		r.Failed++
	}
}

// Merge folds another receipt into r.
func (r *Receipt) Merge(other Receipt) {
	r.Sent += other.Sent
	r.Failed += other.Failed
	r.Invalid = append(r.Invalid, other.Invalid...)
	r.Results = append(r.Results, other.Results...)
}

func (r Receipt) String() string {
	return fmt.Sprintf("success:%d invalid:%d total_fail:%d", r.Sent, len(r.Invalid), r.Failed)
}
