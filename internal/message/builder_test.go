package message_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-waitercall-service/internal/message"
	"github.com/tinywideclouds/go-waitercall-service/pkg/dispatch"
)

func TestBuilder_Build(t *testing.T) {
	badge := 3
	n := dispatch.Notification{
		Title:       "Table 12",
		Body:        "A guest is calling you",
		ClickAction: "/calls/abc",
		Badge:       &badge,
		Data:        map[string]string{"call_id": "abc", "": "dropped"},
		TTL:         time.Minute,
	}
	builder := message.NewBuilder(
		message.WithNotificationType("waiter_call"),
		message.WithDefaultIcon("/icon-192.png"),
	)

	t.Run("Web is data-only", func(t *testing.T) {
		msg := builder.Build(dispatch.PlatformWeb, n)

		assert.Nil(t, msg.Alert)
		assert.Equal(t, map[string]string{
			"call_id":           "abc",
			"title":             "Table 12",
			"body":              "A guest is calling you",
			"icon":              "/icon-192.png",
			"click_action":      "/calls/abc",
			"sound":             "default",
			"notification_type": "waiter_call",
		}, msg.Data)
	})

	t.Run("Android carries notification and channel", func(t *testing.T) {
		msg := builder.Build(dispatch.PlatformAndroid, n)

		require.NotNil(t, msg.Alert)
		assert.Equal(t, "Table 12", msg.Alert.Title)
		assert.Equal(t, message.DefaultAndroidChannel, msg.ChannelID)
		assert.Equal(t, "default", msg.Sound)
		assert.Equal(t, dispatch.PriorityHigh, msg.Priority)
		assert.Equal(t, time.Minute, msg.TTL)
		assert.NotContains(t, msg.Data, "title")
		assert.Equal(t, "abc", msg.Data["call_id"])
	})

	t.Run("iOS keeps badge", func(t *testing.T) {
		msg := builder.Build(dispatch.PlatformIOS, n)

		require.NotNil(t, msg.Alert)
		require.NotNil(t, msg.Badge)
		assert.Equal(t, 3, *msg.Badge)
		assert.Empty(t, msg.ChannelID)
	})

	t.Run("Caller data is not mutated", func(t *testing.T) {
		builder.Build(dispatch.PlatformWeb, n)
		assert.Len(t, n.Data, 2)
	})

	t.Run("Data-only mobile message has no alert", func(t *testing.T) {
		msg := builder.Build(dispatch.PlatformIOS, dispatch.Notification{Data: map[string]string{"sync": "1"}})
		assert.Nil(t, msg.Alert)
	})
}

func TestBuilder_BuildAll(t *testing.T) {
	msgs := message.NewBuilder(message.WithAndroidChannel("calls")).BuildAll(dispatch.Notification{Title: "t", Priority: dispatch.PriorityNormal})

	require.Len(t, msgs, 3)
	assert.Equal(t, "calls", msgs[dispatch.PlatformAndroid].ChannelID)
	assert.Equal(t, dispatch.PriorityNormal, msgs[dispatch.PlatformIOS].Priority)
	assert.Equal(t, "t", msgs[dispatch.PlatformWeb].Data["title"])
}
