package fcm

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tinywideclouds/go-waitercall-service/pkg/dispatch"
)

// HTTP v1 request body. Only the fields we set are modelled.
type sendRequest struct {
	Message wireMessage `json:"message"`
}

type wireMessage struct {
	Token        string            `json:"token"`
	Notification *wireNotification `json:"notification,omitempty"`
	Data         map[string]string `json:"data,omitempty"`
	Android      *androidConfig    `json:"android,omitempty"`
	APNS         *apnsConfig       `json:"apns,omitempty"`
	Webpush      *webpushConfig    `json:"webpush,omitempty"`
}

type wireNotification struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
}

type androidConfig struct {
	Priority     string               `json:"priority,omitempty"`
	TTL          string               `json:"ttl,omitempty"`
	CollapseKey  string               `json:"collapse_key,omitempty"`
	Notification *androidNotification `json:"notification,omitempty"`
}

type androidNotification struct {
	ChannelID   string `json:"channel_id,omitempty"`
	Sound       string `json:"sound,omitempty"`
	Icon        string `json:"icon,omitempty"`
	ClickAction string `json:"click_action,omitempty"`
}

type apnsConfig struct {
	Headers map[string]string      `json:"headers,omitempty"`
	Payload map[string]interface{} `json:"payload"`
}

type webpushConfig struct {
	Headers    map[string]string `json:"headers,omitempty"`
	FCMOptions *webpushOptions   `json:"fcm_options,omitempty"`
}

type webpushOptions struct {
	Link string `json:"link,omitempty"`
}

// encode builds the v1 body for one token.
func encode(token string, msg dispatch.Message, now time.Time) sendRequest {
	wm := wireMessage{Token: token}
	if len(msg.Data) > 0 {
		wm.Data = msg.Data
	}
	if msg.Alert != nil {
		wm.Notification = &wireNotification{Title: msg.Alert.Title, Body: msg.Alert.Body}
	}

	switch msg.Platform {
	case dispatch.PlatformAndroid:
		ac := &androidConfig{Priority: "HIGH", CollapseKey: msg.CollapseKey}
		if msg.Priority == dispatch.PriorityNormal {
			ac.Priority = "NORMAL"
		}
		if msg.TTL > 0 {
			ac.TTL = fmt.Sprintf("%ds", int64(msg.TTL/time.Second))
		}
		if msg.Alert != nil {
			ac.Notification = &androidNotification{
				ChannelID:   msg.ChannelID,
				Sound:       msg.Sound,
				Icon:        msg.Icon,
				ClickAction: msg.ClickAction,
			}
		}
		wm.Android = ac

	case dispatch.PlatformIOS:
		headers := map[string]string{"apns-priority": "10"}
		if msg.Priority == dispatch.PriorityNormal {
			headers["apns-priority"] = "5"
		}
		if msg.CollapseKey != "" {
			headers["apns-collapse-id"] = msg.CollapseKey
		}
		if msg.TTL > 0 {
			headers["apns-expiration"] = strconv.FormatInt(now.Add(msg.TTL).Unix(), 10)
		}
		aps := map[string]interface{}{}
		if msg.Alert != nil {
			aps["sound"] = msg.Sound
		} else {
			// Silent push: the app wakes and reads data.
			aps["content-available"] = 1
			headers["apns-priority"] = "5"
		}
		if msg.Badge != nil {
			aps["badge"] = *msg.Badge
		}
		wm.APNS = &apnsConfig{Headers: headers, Payload: map[string]interface{}{"aps": aps}}

	case dispatch.PlatformWeb:
		wp := &webpushConfig{Headers: map[string]string{"Urgency": "high"}}
		if msg.Priority == dispatch.PriorityNormal {
			wp.Headers["Urgency"] = "normal"
		}
		if msg.TTL > 0 {
			wp.Headers["TTL"] = strconv.FormatInt(int64(msg.TTL/time.Second), 10)
		}
		// FCM only accepts https links.
		if strings.HasPrefix(msg.ClickAction, "https://") {
			wp.FCMOptions = &webpushOptions{Link: msg.ClickAction}
		}
		wm.Webpush = wp
	}

	return sendRequest{Message: wm}
}

type sendResponse struct {
	Name string `json:"name"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type            string `json:"@type"`
			ErrorCode       string `json:"errorCode"`
			FieldViolations []struct {
				Field       string `json:"field"`
				Description string `json:"description"`
			} `json:"fieldViolations"`
		} `json:"details"`
	} `json:"error"`
}

// code returns the FCM specific error code, falling back to the RPC status.
func (e errorResponse) code() string {
	for _, d := range e.Error.Details {
		if d.ErrorCode != "" {
			return d.ErrorCode
		}
	}
	return e.Error.Status
}

// concernsToken reports whether an INVALID_ARGUMENT is about the registration token.
func (e errorResponse) concernsToken() bool {
	for _, d := range e.Error.Details {
		for _, v := range d.FieldViolations {
			if v.Field == "message.token" {
				return true
			}
		}
	}
	return strings.Contains(strings.ToLower(e.Error.Message), "registration token")
}
