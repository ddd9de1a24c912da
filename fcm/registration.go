package fcm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// Credentials identifies one Android app to Firebase, as extracted from its
// APK. Supplied by the control plane at registration and immutable after.
type Credentials struct {
	// SenderID is the numeric project number, e.g. "890224420307".
	SenderID string `json:"sender_id"`
	// APIKey is the Firebase API key, e.g. "AIza...".
	APIKey string `json:"api_key"`
	// AppID is the Firebase app id, e.g. "1:890224420307:android:835ea94c9a536bb0".
	AppID string `json:"app_id"`
	// ProjectID is the Firebase project id, e.g. "github-mobile-cc45e".
	ProjectID string `json:"project_id"`
	// PackageName is the Android package name, e.g. "com.github.android".
	PackageName string `json:"package_name"`
	// CertSHA1 is the APK signing certificate SHA-1 as 40 lowercase hex
	// chars. Empty when unknown.
	CertSHA1 string `json:"cert_sha1,omitempty"`
	// AppVersion is the APK version code; 0 means unknown (1 is sent).
	AppVersion int `json:"app_version,omitempty"`
	// AppVersionName is the human version string; empty when unknown.
	AppVersionName string `json:"app_version_name,omitempty"`
	// TargetSDK is the APK target SDK; 0 means unknown (34 is sent).
	TargetSDK int `json:"target_sdk,omitempty"`
}

// SenderIDFromAppID extracts the numeric sender id embedded in a Firebase
// app id as its second colon-separated field.
func SenderIDFromAppID(appID string) (string, error) {
	parts := strings.Split(appID, ":")
	if len(parts) < 2 || parts[1] == "" {
		return "", fmt.Errorf("firebase app id %q has no sender id field", appID)
	}
	return parts[1], nil
}

// DeviceSession is the device identity minted by check-in. The 64-bit values
// are serialized as decimal strings so they survive JSON readers that parse
// numbers as float64.
type DeviceSession struct {
	AndroidID     int64  `json:"android_id,string"`
	SecurityToken uint64 `json:"security_token,string"`
}

// Registration bundles everything needed to receive pushes for one app. It
// is only ever constructed complete: the FCM token is present or the bundle
// does not exist.
type Registration struct {
	Credentials  Credentials       `json:"credentials"`
	Session      DeviceSession     `json:"gcm_session"`
	Installation *Installation     `json:"installation,omitempty"`
	Token        string            `json:"fcm_token"`
	Device       AndroidDeviceInfo `json:"device"`
}

// Register performs the full credential bootstrap in strict order: device
// check-in, Firebase Installations, GCM register. A failure at any step
// aborts and surfaces a DependencyFailure or DependencyRejection.
func Register(ctx context.Context, hc *http.Client, creds Credentials) (*Registration, error) {
	device := DefaultAndroidDevice()

	session, err := Checkin(ctx, hc, device, nil)
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}

	inst, err := CreateInstallation(ctx, hc, creds)
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}

	token, err := session.RegisterGCM(ctx, hc, device, creds, inst)
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}

	return &Registration{
		Credentials:  creds,
		Session:      session,
		Installation: inst,
		Token:        token,
		Device:       device,
	}, nil
}

// Connect opens an MCS session for this registration. See DeviceSession.Connect.
func (r *Registration) Connect(ctx context.Context, dial DialFunc, receivedPersistentIDs []string) (*Conn, error) {
	return r.Session.Connect(ctx, dial, receivedPersistentIDs)
}
