// Package message shapes a provider-neutral notification into the message each
// platform expects: data-only for browsers, notification plus data for phones.
package message

import (
	"github.com/tinywideclouds/go-waitercall-service/pkg/dispatch"
)

const (
	DefaultAndroidChannel = "waiter_calls"
	DefaultSound          = "default"
)

// Keys written into the data map of web messages so the service worker can
// render the notification itself.
const (
	KeyTitle            = "title"
	KeyBody             = "body"
	KeyIcon             = "icon"
	KeyClickAction      = "click_action"
	KeySound            = "sound"
	KeyNotificationType = "notification_type"
)

type Option func(*Builder)

// WithAndroidChannel sets the channel id of android notifications.
func WithAndroidChannel(id string) Option {
	return func(b *Builder) { b.channel = id }
}

// WithDefaultSound sets the sound used when a notification names none.
func WithDefaultSound(sound string) Option {
	return func(b *Builder) { b.sound = sound }
}

// WithNotificationType tags every message's data with a notification_type.
func WithNotificationType(kind string) Option {
	return func(b *Builder) { b.kind = kind }
}

// WithDefaultIcon sets the icon used for web notifications that name none.
func WithDefaultIcon(icon string) Option {
	return func(b *Builder) { b.icon = icon }
}

type Builder struct {
	channel string
	sound   string
	icon    string
	kind    string
}

func NewBuilder(opts ...Option) *Builder {
	b := &Builder{
		channel: DefaultAndroidChannel,
		sound:   DefaultSound,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build shapes n for the platform.
func (b *Builder) Build(platform dispatch.Platform, n dispatch.Notification) dispatch.Message {
	msg := dispatch.Message{
		Platform:    platform,
		Data:        b.data(n),
		Sound:       n.Sound,
		Icon:        n.Icon,
		ClickAction: n.ClickAction,
		CollapseKey: n.CollapseKey,
		TTL:         n.TTL,
		Priority:    n.Priority,
	}
	if msg.Sound == "" {
		msg.Sound = b.sound
	}
	if msg.Priority == "" {
		msg.Priority = dispatch.PriorityHigh
	}

	switch platform {
	case dispatch.PlatformWeb:
		if msg.Icon == "" {
			msg.Icon = b.icon
		}
		// The service worker draws the notification from data alone.
		set(msg.Data, KeyTitle, n.Title)
		set(msg.Data, KeyBody, n.Body)
		set(msg.Data, KeyIcon, msg.Icon)
		set(msg.Data, KeyClickAction, msg.ClickAction)
		set(msg.Data, KeySound, msg.Sound)
	case dispatch.PlatformAndroid:
		msg.Alert = alert(n)
		msg.ChannelID = b.channel
	case dispatch.PlatformIOS:
		msg.Alert = alert(n)
		msg.Badge = n.Badge
	}
	return msg
}

// BuildAll returns one message per platform.
func (b *Builder) BuildAll(n dispatch.Notification) map[dispatch.Platform]dispatch.Message {
	out := make(map[dispatch.Platform]dispatch.Message, len(dispatch.Platforms))
	for _, p := range dispatch.Platforms {
		out[p] = b.Build(p, n)
	}
	return out
}

func (b *Builder) data(n dispatch.Notification) map[string]string {
	data := make(map[string]string, len(n.Data)+6)
	for k, v := range n.Data {
		if k == "" {
			continue
		}
		data[k] = v
	}
	set(data, KeyNotificationType, b.kind)
	return data
}

func alert(n dispatch.Notification) *dispatch.Alert {
	if n.Title == "" && n.Body == "" {
		return nil
	}
	return &dispatch.Alert{Title: n.Title, Body: n.Body}
}

func set(data map[string]string, key, value string) {
	if value != "" {
		data[key] = value
	}
}
