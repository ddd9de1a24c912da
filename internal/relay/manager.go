// Package relay supervises one FCM listener per registered app and forwards
// received payloads to UnifiedPush endpoints.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/slush-dev/fcm2up/fcm"
	"github.com/slush-dev/fcm2up/internal/store"
)

// sessionRecord is the serialized per-app session blob: the registration
// bundle plus the persistent-id window at last save. The embedded 64-bit
// device identity fields encode as decimal strings.
type sessionRecord struct {
	fcm.Registration
	PersistentIDs []string `json:"persistent_ids,omitempty"`
}

// handle tracks one live listener.
type handle struct {
	cancel context.CancelFunc
	token  string
	done   chan struct{}
}

// registerFunc runs the credential bootstrap. Swapped out in tests.
type registerFunc func(ctx context.Context, hc *http.Client, creds fcm.Credentials) (*fcm.Registration, error)

// Manager is the process-wide registry of app listeners. All operations are
// guarded by a single mutex; Start for a given app is serialized.
type Manager struct {
	hc       *http.Client
	store    store.Store
	logger   *slog.Logger
	dial     fcm.DialFunc // test hook; nil means real TLS dial
	register registerFunc

	mu        sync.Mutex
	listeners map[string]*handle
}

// NewManager creates a Manager using hc for both bootstrap calls and UP
// forwarding.
func NewManager(hc *http.Client, st store.Store, logger *slog.Logger) *Manager {
	return &Manager{
		hc:        hc,
		store:     st,
		logger:    logger,
		register:  fcm.Register,
		listeners: make(map[string]*handle),
	}
}

// Start ensures a listener for appID is running and returns its FCM token.
// A previously running listener for the same app is stopped first. The
// session is loaded from the store when present; otherwise the credential
// bootstrap runs and the result is persisted before the listener spawns.
// Bootstrap failures abort listener creation and surface to the caller.
func (m *Manager) Start(ctx context.Context, appID, endpoint string, creds fcm.Credentials) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopLocked(appID)

	rec, err := m.loadSession(ctx, appID)
	if err != nil {
		m.logger.Warn("discarding unreadable session", "app", appID, "error", err)
	}
	if rec == nil {
		reg, err := m.register(ctx, fcm.LoggingHTTPClient(m.hc, m.logger), creds)
		if err != nil {
			return "", fmt.Errorf("registering %s with FCM: %w", appID, err)
		}
		rec = &sessionRecord{Registration: *reg}
		m.saveSession(ctx, appID, rec.Registration, nil)
		m.logger.Info("FCM registration complete", "app", appID, "token_prefix", prefix(reg.Token, 20))
	} else {
		m.logger.Info("reusing persisted FCM session", "app", appID, "token_prefix", prefix(rec.Token, 20))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	h := &handle{cancel: cancel, token: rec.Token, done: make(chan struct{})}

	l := &listener{
		appID:    appID,
		endpoint: endpoint,
		reg:      rec.Registration,
		hc:       m.hc,
		dial:     m.dial,
		logger: m.logger.With(
			"app", appID,
			"run_id", uuid.NewString()[:8],
		),
		persist: func(ctx context.Context, reg fcm.Registration, ids []string) {
			m.saveSession(ctx, appID, reg, ids)
		},
	}
	l.window.Seed(rec.PersistentIDs)

	go func() {
		defer close(h.done)
		l.run(runCtx)
	}()
	m.listeners[appID] = h

	return rec.Token, nil
}

// Stop delivers the stop signal to the listener for appID, if any, and
// removes it from the registry. It does not wait for the listener to wind
// down.
func (m *Manager) Stop(appID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked(appID)
}

func (m *Manager) stopLocked(appID string) {
	if h, ok := m.listeners[appID]; ok {
		h.cancel()
		delete(m.listeners, appID)
		m.logger.Info("stopped listener", "app", appID)
	}
}

// StopAll stops every listener and waits for them to wind down.
func (m *Manager) StopAll() {
	m.mu.Lock()
	handles := make([]*handle, 0, len(m.listeners))
	for appID, h := range m.listeners {
		h.cancel()
		handles = append(handles, h)
		delete(m.listeners, appID)
	}
	m.mu.Unlock()

	for _, h := range handles {
		<-h.done
	}
}

// Count returns the number of live listeners.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

// Token returns the cached FCM token for appID.
func (m *Manager) Token(appID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.listeners[appID]
	if !ok {
		return "", false
	}
	return h.token, true
}

// RestoreAll starts a listener for every persisted registration. Individual
// failures are logged and skipped; a registration that cannot start now will
// be retried at the next process start.
func (m *Manager) RestoreAll(ctx context.Context) error {
	regs, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("listing registrations: %w", err)
	}
	m.logger.Info("restoring registrations", "count", len(regs))

	for _, reg := range regs {
		creds, err := CredentialsFromRecord(reg)
		if err != nil {
			m.logger.Error("skipping registration with bad credentials", "app", reg.AppID, "error", err)
			continue
		}
		if _, err := m.Start(ctx, reg.AppID, reg.Endpoint, creds); err != nil {
			m.logger.Error("failed to restore listener", "app", reg.AppID, "error", err)
		}
	}
	return nil
}

// CredentialsFromRecord maps a stored registration to bootstrap credentials.
// The app id doubles as the Android package name.
func CredentialsFromRecord(reg *store.Registration) (fcm.Credentials, error) {
	senderID, err := fcm.SenderIDFromAppID(reg.FirebaseAppID)
	if err != nil {
		return fcm.Credentials{}, err
	}
	return fcm.Credentials{
		SenderID:       senderID,
		APIKey:         reg.FirebaseAPIKey,
		AppID:          reg.FirebaseAppID,
		ProjectID:      reg.FirebaseProjectID,
		PackageName:    reg.AppID,
		CertSHA1:       reg.CertSHA1,
		AppVersion:     reg.AppVersion,
		AppVersionName: reg.AppVersionName,
		TargetSDK:      reg.TargetSDK,
	}, nil
}

// loadSession reads and decodes the persisted session for appID, returning
// nil when absent. A stored session without a token is treated as absent:
// sessions are only ever written complete.
func (m *Manager) loadSession(ctx context.Context, appID string) (*sessionRecord, error) {
	data, err := m.store.GetSession(ctx, appID)
	if err != nil || data == nil {
		return nil, err
	}
	var rec sessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	if rec.Token == "" {
		return nil, nil
	}
	return &rec, nil
}

// saveSession persists the session blob. Store failures are logged, not
// fatal: the listener keeps running and the session is rebuilt on the next
// registration if it never lands.
func (m *Manager) saveSession(ctx context.Context, appID string, reg fcm.Registration, ids []string) {
	data, err := json.Marshal(&sessionRecord{Registration: reg, PersistentIDs: ids})
	if err != nil {
		m.logger.Error("encoding session failed", "app", appID, "error", err)
		return
	}
	if err := m.store.SaveSession(ctx, appID, data); err != nil {
		m.logger.Error("saving session failed", "app", appID, "error", err)
	}
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
