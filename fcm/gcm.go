package fcm

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/slush-dev/fcm2up/internal/checkinpb"
	"google.golang.org/protobuf/proto"
)

// gcmCheckinURL and gcmRegisterURL are package-level vars so tests can
// override them.
var (
	gcmCheckinURL  = "https://android.clients.google.com/checkin"
	gcmRegisterURL = "https://android.clients.google.com/c2dm/register3"
)

// checkinDigest is a magic value observed from a reference client. Whether
// the server verifies it is unknown; the literal bytes are what works.
const checkinDigest = "1-929a0dca0eee55513280171a8585da7dcd3700f8"

const (
	checkinOtaCert = "71Q6Rn2DDZl1zPDVaaeEHItd"
	checkinMacAddr = "aabbccddeeff"
)

// Checkin performs an Android device check-in and mints a device session.
// With a nil prev this is a first check-in; otherwise it re-checks-in with
// the existing identity (fragment 1, system_update event).
func Checkin(ctx context.Context, hc *http.Client, device AndroidDeviceInfo, prev *DeviceSession) (DeviceSession, error) {
	const apiName = "Android device check-in"

	loggingID, err := randomInt63()
	if err != nil {
		return DeviceSession{}, fmt.Errorf("checkin: logging id: %w", err)
	}

	nowMsec := time.Now().UnixMilli()
	checkin := &checkinpb.AndroidCheckinProto{
		Build: &checkinpb.AndroidBuildProto{
			Fingerprint:  proto.String(device.BuildFingerprint),
			Hardware:     proto.String(device.Hardware),
			Brand:        proto.String(device.Brand),
			Device:       proto.String(device.Device),
			SdkVersion:   proto.Int32(int32(device.SDKVersion)),
			Model:        proto.String(device.Model),
			Manufacturer: proto.String(device.Manufacturer),
			Product:      proto.String(device.Product),
			OtaInstalled: proto.Bool(false),
		},
		Type: proto.Int32(checkinpb.DeviceAndroidOS),
	}

	req := &checkinpb.AndroidCheckinRequest{
		Checkin:          checkin,
		Version:          proto.Int32(3),
		UserSerialNumber: proto.Int32(0),
		Locale:           proto.String("en_US"),
		TimeZone:         proto.String("America/Los_Angeles"),
		LoggingId:        proto.Int64(loggingID),
		OtaCert:          []string{checkinOtaCert},
		AccountCookie:    []string{""},
		SerialNumber:     proto.String(device.SerialNumber),
		MacAddr:          []string{checkinMacAddr},
		MacAddrType:      []string{"wifi"},
	}

	if prev == nil {
		req.Fragment = proto.Int32(0)
		req.Digest = proto.String(checkinDigest)
		req.Checkin.Event = []*checkinpb.AndroidEventProto{{
			Tag:      proto.String("event_log_start"),
			TimeMsec: proto.Int64(nowMsec),
		}}
	} else {
		req.Fragment = proto.Int32(1)
		req.Id = proto.Int64(prev.AndroidID)
		req.SecurityToken = proto.Uint64(prev.SecurityToken)
		req.Checkin.Event = []*checkinpb.AndroidEventProto{{
			Tag:      proto.String("system_update"),
			Value:    proto.String("1536,0,-1,NULL"),
			TimeMsec: proto.Int64(nowMsec),
		}}
	}

	var body bytes.Buffer
	gz := gzip.NewWriter(&body)
	if _, err := gz.Write(req.Marshal()); err != nil {
		return DeviceSession{}, fmt.Errorf("checkin: compress request: %w", err)
	}
	if err := gz.Close(); err != nil {
		return DeviceSession{}, fmt.Errorf("checkin: compress request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, gcmCheckinURL, &body)
	if err != nil {
		return DeviceSession{}, fmt.Errorf("checkin: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-protobuffer")
	httpReq.Header.Set("Content-Encoding", "gzip")
	httpReq.Header.Set("Accept-Encoding", "gzip")
	httpReq.Header.Set("User-Agent", device.checkinUserAgent())

	resp, err := hc.Do(httpReq)
	if err != nil {
		return DeviceSession{}, fmt.Errorf("checkin: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := readMaybeGzipped(resp)
	if err != nil {
		return DeviceSession{}, fmt.Errorf("checkin: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return DeviceSession{}, &DependencyRejection{API: apiName, Reason: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, respBody)}
	}

	checkinResp, err := checkinpb.UnmarshalAndroidCheckinResponse(respBody)
	if err != nil {
		return DeviceSession{}, &DependencyFailure{API: apiName, Reason: "unparseable response: " + err.Error()}
	}
	if checkinResp.AndroidId == nil {
		return DeviceSession{}, &DependencyFailure{API: apiName, Reason: "response is missing android id"}
	}
	if checkinResp.SecurityToken == nil {
		return DeviceSession{}, &DependencyFailure{API: apiName, Reason: "response is missing security token"}
	}

	return DeviceSession{
		AndroidID:     int64(checkinResp.GetAndroidId()),
		SecurityToken: checkinResp.GetSecurityToken(),
	}, nil
}

// Refresh re-checks-in with the existing device identity.
func (s DeviceSession) Refresh(ctx context.Context, hc *http.Client, device AndroidDeviceInfo) (DeviceSession, error) {
	return Checkin(ctx, hc, device, &s)
}

// RegisterGCM registers the app with the GCM register3 endpoint and returns
// the FCM token.
func (s DeviceSession) RegisterGCM(ctx context.Context, hc *http.Client, device AndroidDeviceInfo, creds Credentials, inst *Installation) (string, error) {
	const apiName = "GCM registration"

	androidID := strconv.FormatInt(s.AndroidID, 10)
	appVersion := creds.AppVersion
	if appVersion == 0 {
		appVersion = 1
	}
	targetSDK := creds.TargetSDK
	if targetSDK == 0 {
		targetSDK = 34
	}

	form := url.Values{
		"app":        {creds.PackageName},
		"device":     {androidID},
		"sender":     {creds.SenderID},
		"app_ver":    {strconv.Itoa(appVersion)},
		"target_ver": {strconv.Itoa(targetSDK)},

		"X-appid":                            {inst.FID},
		"X-Goog-Firebase-Installations-Auth": {inst.AuthToken},
		"X-cliv":                             {"fiid-21.0.0"},
		"X-scope":                            {"*"},
		"X-subtype":                          {creds.SenderID},
		"X-gmp_app_id":                       {creds.AppID},
		"X-Firebase-Client":                  {"fire-installations/17.0.0"},
	}
	if creds.CertSHA1 != "" {
		form.Set("cert", strings.ToLower(creds.CertSHA1))
	}
	if creds.AppVersionName != "" {
		form.Set("X-app_ver_name", creds.AppVersionName)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, gcmRegisterURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("gcm register: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Authorization", fmt.Sprintf("AidLogin %s:%d", androidID, s.SecurityToken))
	httpReq.Header.Set("User-Agent", device.gcmUserAgent())
	httpReq.Header.Set("app", creds.PackageName)

	resp, err := hc.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("gcm register: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("gcm register: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", &DependencyRejection{API: apiName, Reason: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, respBody)}
	}

	// Response body parses as key=value: "token=..." or "Error=...".
	key, value, found := strings.Cut(strings.TrimSpace(string(respBody)), "=")
	switch {
	case !found:
		return "", &DependencyFailure{API: apiName, Reason: "malformed response"}
	case key == "Error":
		return "", &DependencyRejection{API: apiName, Reason: value}
	case key != "token":
		return "", &DependencyFailure{API: apiName, Reason: "unexpected response key " + key}
	case value == "":
		return "", &DependencyFailure{API: apiName, Reason: "empty token"}
	}
	return value, nil
}

// readMaybeGzipped reads a response body, transparently gunzipping it. The
// Accept-Encoding header is set by hand on check-in requests, so net/http
// does not decompress for us.
func readMaybeGzipped(resp *http.Response) ([]byte, error) {
	var r io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	}
	return io.ReadAll(r)
}

// randomInt63 returns a uniform random non-negative 63-bit integer.
func randomInt63() (int64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(buf[:]) &^ (uint64(1) << 63)), nil
}
