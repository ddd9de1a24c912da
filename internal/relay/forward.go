package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/slush-dev/fcm2up/fcm"
)

// forward delivers one data message to the UP endpoint: raw_data verbatim
// when present, otherwise the app_data pairs as a JSON object of strings.
// Any non-2xx answer is a forward failure; the message is never retried
// (the server's persistent-id replay is the only retry mechanism).
func forward(ctx context.Context, hc *http.Client, endpoint string, msg *fcm.DataMessage) error {
	body := msg.RawData
	if len(body) == 0 {
		kv := make(map[string]string, len(msg.AppData))
		for _, pair := range msg.AppData {
			kv[pair.Key] = pair.Value
		}
		encoded, err := json.Marshal(kv)
		if err != nil {
			return fmt.Errorf("encoding app data: %w", err)
		}
		body = encoded
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned %s", resp.Status)
	}
	return nil
}
