package dispatch_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-waitercall-service/pkg/dispatch"
)

func TestParseProvider(t *testing.T) {
	p, err := dispatch.ParseProvider("")
	require.NoError(t, err)
	assert.Equal(t, dispatch.ProviderFCM, p)

	_, err = dispatch.ParseProvider("pushy")
	assert.Error(t, err)
}

func TestDeviceToken_Validate(t *testing.T) {
	testCases := []struct {
		name    string
		token   dispatch.DeviceToken
		wantErr bool
	}{
		{name: "FCM android", token: dispatch.DeviceToken{Token: "t", Platform: dispatch.PlatformAndroid}},
		{name: "Empty token", token: dispatch.DeviceToken{Platform: dispatch.PlatformAndroid}, wantErr: true},
		{name: "Unknown platform", token: dispatch.DeviceToken{Token: "t", Platform: "tv"}, wantErr: true},
		{
			name:    "Web push without keys",
			token:   dispatch.DeviceToken{Token: "https://push", Platform: dispatch.PlatformWeb, Provider: dispatch.ProviderWebPush},
			wantErr: true,
		},
		{
			name: "Web push with keys",
			token: dispatch.DeviceToken{Token: "https://push", Platform: dispatch.PlatformWeb, Provider: dispatch.ProviderWebPush,
				WebPush: &dispatch.WebPushKeys{P256dh: "p", Auth: "a"}},
		},
		{
			name:    "APNs on android",
			token:   dispatch.DeviceToken{Token: "t", Platform: dispatch.PlatformAndroid, Provider: dispatch.ProviderAPNs},
			wantErr: true,
		},
		{
			name: "Web push on android",
			token: dispatch.DeviceToken{
				Token: "https://push.example.com/sub/1", Platform: dispatch.PlatformAndroid, Provider: dispatch.ProviderWebPush,
				WebPush: &dispatch.WebPushKeys{P256dh: "p", Auth: "a"},
			},
			wantErr: true,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.token.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestReceipt(t *testing.T) {
	var r dispatch.Receipt
	r.Record(dispatch.Result{Token: dispatch.DeviceToken{Token: "ok"}, MessageID: "m1"})
	r.Record(dispatch.Result{Token: dispatch.DeviceToken{Token: "dead"}, Err: errors.New("gone"), Invalid: true})
	r.Record(dispatch.Result{Token: dispatch.DeviceToken{Token: "flaky"}, Err: errors.New("503")})

	var other dispatch.Receipt
	other.Record(dispatch.Result{Token: dispatch.DeviceToken{Token: "ok-2"}})
	r.Merge(other)

	assert.Equal(t, 2, r.Sent)
	assert.Equal(t, 2, r.Failed)
	require.Len(t, r.Invalid, 1)
	assert.Equal(t, "dead", r.Invalid[0].Token)
	assert.Len(t, r.Results, 4)
	assert.Equal(t, "success:2 invalid:1 total_fail:2", r.String())
}
