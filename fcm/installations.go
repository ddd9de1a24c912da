package fcm

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// installationsURLFormat is a package-level var so tests can override it;
// the single %s is the Firebase project id.
var installationsURLFormat = "https://firebaseinstallations.googleapis.com/v1/projects/%s/installations"

// Installation is a Firebase Installations identity for one app.
type Installation struct {
	FID          string `json:"fid"`
	AuthToken    string `json:"auth_token"`
	RefreshToken string `json:"refresh_token"`
}

// CreateInstallation registers a fresh Firebase installation for the app and
// returns its identity. The auth token is short-lived and is not refreshed
// here; callers re-register when it stops being accepted.
func CreateInstallation(ctx context.Context, hc *http.Client, creds Credentials) (*Installation, error) {
	const apiName = "Firebase Installations"

	fid, err := generateFID()
	if err != nil {
		return nil, fmt.Errorf("installations: %w", err)
	}

	body, err := json.Marshal(map[string]string{
		"fid":         fid,
		"appId":       creds.AppID,
		"authVersion": "FIS_v2",
		"sdkVersion":  "a:17.0.0",
	})
	if err != nil {
		return nil, fmt.Errorf("installations: marshal request: %w", err)
	}

	url := fmt.Sprintf(installationsURLFormat, creds.ProjectID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("installations: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", creds.APIKey)
	httpReq.Header.Set("x-android-package", creds.PackageName)
	if creds.CertSHA1 != "" {
		httpReq.Header.Set("x-android-cert", strings.ToUpper(creds.CertSHA1))
	}

	resp, err := hc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("installations: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var buf bytes.Buffer
		buf.ReadFrom(resp.Body)
		return nil, &DependencyRejection{API: apiName, Reason: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, buf.String())}
	}

	var parsed struct {
		FID       string `json:"fid"`
		AuthToken struct {
			Token string `json:"token"`
		} `json:"authToken"`
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &DependencyFailure{API: apiName, Reason: "unparseable response: " + err.Error()}
	}
	if parsed.FID == "" {
		return nil, &DependencyFailure{API: apiName, Reason: "response is missing fid"}
	}
	if parsed.AuthToken.Token == "" {
		return nil, &DependencyFailure{API: apiName, Reason: "response is missing auth token"}
	}
	if parsed.RefreshToken == "" {
		return nil, &DependencyFailure{API: apiName, Reason: "response is missing refresh token"}
	}

	return &Installation{
		FID:          parsed.FID,
		AuthToken:    parsed.AuthToken.Token,
		RefreshToken: parsed.RefreshToken,
	}, nil
}

// generateFID builds a Firebase Installation ID: 17 random bytes with the
// top nibble of the first byte forced to 0b0111, URL-safe base64 without
// padding, truncated to 22 characters. The forced prefix lands the first
// character in c/d/e/f.
func generateFID() (string, error) {
	buf := make([]byte, 17)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate fid: %w", err)
	}
	buf[0] = 0x70 | (buf[0] & 0x0f)
	return base64.RawURLEncoding.EncodeToString(buf)[:22], nil
}
