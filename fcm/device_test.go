package fcm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultAndroidDevice(t *testing.T) {
	device := DefaultAndroidDevice()

	// The fingerprint embeds the device and build id the user agents echo.
	assert.True(t, strings.Contains(device.BuildFingerprint, device.Device))
	assert.True(t, strings.Contains(device.BuildFingerprint, device.BuildID))
	assert.Equal(t, 34, device.SDKVersion)

	assert.Equal(t, "Android-Checkin/2.0 (redfin AP2A.240805.005); gzip", device.checkinUserAgent())
	assert.Equal(t, "Android-GCM/1.5 (redfin AP2A.240805.005)", device.gcmUserAgent())
}
