package relay

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/slush-dev/fcm2up/fcm"
	"github.com/slush-dev/fcm2up/internal/mcspb"
	"github.com/slush-dev/fcm2up/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
)

func TestMain(m *testing.M) {
	// Reconnects must be fast under test.
	connectBackoff = 20 * time.Millisecond
	readBackoff = 10 * time.Millisecond
	m.Run()
}

// memStore is an in-memory store.Store for tests.
type memStore struct {
	mu       sync.Mutex
	regs     map[string]*store.Registration
	sessions map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{
		regs:     make(map[string]*store.Registration),
		sessions: make(map[string][]byte),
	}
}

func (s *memStore) SaveRegistration(_ context.Context, reg *store.Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *reg
	s.regs[reg.AppID] = &cp
	return nil
}

func (s *memStore) GetRegistration(_ context.Context, appID string) (*store.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.regs[appID]
	if !ok {
		return nil, nil
	}
	cp := *reg
	return &cp, nil
}

func (s *memStore) Delete(_ context.Context, appID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.regs, appID)
	delete(s.sessions, appID)
	return nil
}

func (s *memStore) List(_ context.Context) ([]*store.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Registration
	for _, reg := range s.regs {
		cp := *reg
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) Count(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.regs), nil
}

func (s *memStore) UpdateEndpoint(_ context.Context, appID, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reg, ok := s.regs[appID]; ok {
		reg.Endpoint = endpoint
	}
	return nil
}

func (s *memStore) SaveSession(_ context.Context, appID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[appID] = append([]byte(nil), data...)
	return nil
}

func (s *memStore) GetSession(_ context.Context, appID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[appID], nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) sessionRecord(t *testing.T, appID string) *sessionRecord {
	t.Helper()
	s.mu.Lock()
	data := s.sessions[appID]
	s.mu.Unlock()
	if data == nil {
		return nil
	}
	var rec sessionRecord
	require.NoError(t, json.Unmarshal(data, &rec))
	return &rec
}

// mcsServer drives the server half of piped MCS connections.
type mcsServer struct {
	conns chan net.Conn
}

func newMCSServer() *mcsServer {
	return &mcsServer{conns: make(chan net.Conn, 8)}
}

func (s *mcsServer) dial(ctx context.Context) (net.Conn, error) {
	client, server := net.Pipe()
	s.conns <- server
	return client, nil
}

// accept waits for the next client connection, consumes its login handshake,
// and answers with the server version byte plus a LoginResponse.
func (s *mcsServer) accept(t *testing.T) (net.Conn, *mcspb.LoginRequest) {
	t.Helper()
	var conn net.Conn
	select {
	case conn = <-s.conns:
	case <-time.After(2 * time.Second):
		t.Fatal("no MCS connection within timeout")
	}

	var one [1]byte
	_, err := io.ReadFull(conn, one[:])
	require.NoError(t, err)
	require.Equal(t, byte(41), one[0])

	tag, body := readServerFrame(t, conn)
	require.Equal(t, byte(2), tag)
	login, err := mcspb.UnmarshalLoginRequest(body)
	require.NoError(t, err)

	_, err = conn.Write([]byte{38})
	require.NoError(t, err)
	sendServerFrame(t, conn, 3, (&mcspb.LoginResponse{Id: proto.String("srv")}).Marshal())
	return conn, login
}

func readServerFrame(t *testing.T, r io.Reader) (byte, []byte) {
	t.Helper()
	var one [1]byte
	_, err := io.ReadFull(r, one[:])
	require.NoError(t, err)
	tag := one[0]

	var size uint64
	var shift uint
	for {
		_, err := io.ReadFull(r, one[:])
		require.NoError(t, err)
		size |= uint64(one[0]&0x7f) << shift
		if one[0] < 0x80 {
			break
		}
		shift += 7
	}
	body := make([]byte, size)
	_, err = io.ReadFull(r, body)
	require.NoError(t, err)
	return tag, body
}

func sendServerFrame(t *testing.T, w io.Writer, tag byte, body []byte) {
	t.Helper()
	buf := []byte{tag}
	buf = binary.AppendUvarint(buf, uint64(len(body)))
	buf = append(buf, body...)
	_, err := w.Write(buf)
	require.NoError(t, err)
}

func dataStanza(pid string, raw []byte, appData ...string) []byte {
	stanza := &mcspb.DataMessageStanza{
		From:     proto.String("890224420307"),
		Category: proto.String("com.example.x"),
		RawData:  raw,
	}
	if pid != "" {
		stanza.PersistentId = proto.String(pid)
	}
	for i := 0; i+1 < len(appData); i += 2 {
		stanza.AppData = append(stanza.AppData, &mcspb.AppData{
			Key:   proto.String(appData[i]),
			Value: proto.String(appData[i+1]),
		})
	}
	return stanza.Marshal()
}

type upRequest struct {
	body        []byte
	contentType string
}

// newUPEndpoint returns a fake UnifiedPush endpoint and the channel of
// requests it received.
func newUPEndpoint(t *testing.T) (*httptest.Server, chan upRequest) {
	t.Helper()
	requests := make(chan upRequest, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		requests <- upRequest{body: body, contentType: r.Header.Get("Content-Type")}
	}))
	t.Cleanup(srv.Close)
	return srv, requests
}

func testRegistration(token string) fcm.Registration {
	return fcm.Registration{
		Credentials: fcm.Credentials{
			SenderID:    "890224420307",
			APIKey:      "AIzaTest",
			AppID:       "1:890224420307:android:deadbeef",
			ProjectID:   "p",
			PackageName: "com.example.x",
		},
		Session: fcm.DeviceSession{AndroidID: 42, SecurityToken: 7},
		Token:   token,
		Device:  fcm.DefaultAndroidDevice(),
	}
}

func newTestManager(t *testing.T, st store.Store, srv *mcsServer) *Manager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(http.DefaultClient, st, logger)
	if srv != nil {
		m.dial = srv.dial
	}
	t.Cleanup(m.StopAll)
	return m
}

func TestManager_ColdStart(t *testing.T) {
	st := newMemStore()
	srv := newMCSServer()
	m := newTestManager(t, st, srv)

	var bootstraps int
	m.register = func(ctx context.Context, hc *http.Client, creds fcm.Credentials) (*fcm.Registration, error) {
		bootstraps++
		assert.Equal(t, "com.example.x", creds.PackageName)
		reg := testRegistration("TOKEN123")
		reg.Credentials = creds
		return &reg, nil
	}

	token, err := m.Start(context.Background(), "com.example.x", "http://up.example/p/1", testRegistration("").Credentials)
	require.NoError(t, err)
	assert.Equal(t, "TOKEN123", token)
	assert.Equal(t, 1, bootstraps)
	assert.Equal(t, 1, m.Count())

	got, ok := m.Token("com.example.x")
	assert.True(t, ok)
	assert.Equal(t, "TOKEN123", got)

	// The session was persisted complete, token included.
	rec := st.sessionRecord(t, "com.example.x")
	require.NotNil(t, rec)
	assert.Equal(t, "TOKEN123", rec.Token)
	assert.Equal(t, int64(42), rec.Session.AndroidID)

	srv.accept(t)
}

func TestManager_SingleListenerPerApp(t *testing.T) {
	st := newMemStore()
	srv := newMCSServer()
	m := newTestManager(t, st, srv)
	m.register = func(ctx context.Context, hc *http.Client, creds fcm.Credentials) (*fcm.Registration, error) {
		reg := testRegistration("T1")
		return &reg, nil
	}

	_, err := m.Start(context.Background(), "app", "http://up.example/1", fcm.Credentials{})
	require.NoError(t, err)
	srv.accept(t)

	m.mu.Lock()
	first := m.listeners["app"]
	m.mu.Unlock()

	_, err = m.Start(context.Background(), "app", "http://up.example/2", fcm.Credentials{})
	require.NoError(t, err)
	srv.accept(t)

	assert.Equal(t, 1, m.Count())

	// The first listener observed its stop signal and wound down.
	select {
	case <-first.done:
	case <-time.After(2 * time.Second):
		t.Fatal("first listener did not stop")
	}
}

func TestManager_RestoreWithoutBootstrap(t *testing.T) {
	st := newMemStore()
	srv := newMCSServer()

	// A prior run persisted the registration and the session.
	reg := testRegistration("PERSISTED")
	data, err := json.Marshal(&sessionRecord{Registration: reg})
	require.NoError(t, err)
	require.NoError(t, st.SaveSession(context.Background(), "com.example.x", data))
	require.NoError(t, st.SaveRegistration(context.Background(), &store.Registration{
		AppID:             "com.example.x",
		Endpoint:          "http://up.example/p/1",
		FirebaseAppID:     "1:890224420307:android:deadbeef",
		FirebaseProjectID: "p",
		FirebaseAPIKey:    "AIzaTest",
	}))

	m := newTestManager(t, st, srv)
	m.register = func(ctx context.Context, hc *http.Client, creds fcm.Credentials) (*fcm.Registration, error) {
		t.Error("bootstrap must not run when a session is persisted")
		reg := testRegistration("X")
		return &reg, nil
	}

	require.NoError(t, m.RestoreAll(context.Background()))
	assert.Equal(t, 1, m.Count())
	token, ok := m.Token("com.example.x")
	assert.True(t, ok)
	assert.Equal(t, "PERSISTED", token)

	srv.accept(t)
}

func startListening(t *testing.T, m *Manager, srv *mcsServer, endpoint string) net.Conn {
	t.Helper()
	m.register = func(ctx context.Context, hc *http.Client, creds fcm.Credentials) (*fcm.Registration, error) {
		reg := testRegistration("TOKEN123")
		return &reg, nil
	}
	_, err := m.Start(context.Background(), "com.example.x", endpoint, fcm.Credentials{})
	require.NoError(t, err)
	conn, _ := srv.accept(t)
	return conn
}

func TestListener_DataDelivery(t *testing.T) {
	up, requests := newUPEndpoint(t)
	st := newMemStore()
	srv := newMCSServer()
	m := newTestManager(t, st, srv)
	conn := startListening(t, m, srv, up.URL)

	sendServerFrame(t, conn, 8, dataStanza("P1", []byte{0xde, 0xad, 0xbe, 0xef}))

	select {
	case req := <-requests:
		assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, req.body)
		assert.Equal(t, "application/octet-stream", req.contentType)
	case <-time.After(2 * time.Second):
		t.Fatal("no forward within timeout")
	}

	rec := st.sessionRecord(t, "com.example.x")
	require.NotNil(t, rec)
	assert.Equal(t, []string{"P1"}, rec.PersistentIDs)
}

func TestListener_AppDataForwardedAsJSON(t *testing.T) {
	up, requests := newUPEndpoint(t)
	st := newMemStore()
	srv := newMCSServer()
	m := newTestManager(t, st, srv)
	conn := startListening(t, m, srv, up.URL)

	sendServerFrame(t, conn, 8, dataStanza("P1", nil, "title", "hi", "body", "there"))

	select {
	case req := <-requests:
		var decoded map[string]string
		require.NoError(t, json.Unmarshal(req.body, &decoded))
		assert.Equal(t, map[string]string{"title": "hi", "body": "there"}, decoded)
	case <-time.After(2 * time.Second):
		t.Fatal("no forward within timeout")
	}
}

func TestListener_InSessionDuplicatesForwardedTwice_WindowDeduped(t *testing.T) {
	up, requests := newUPEndpoint(t)
	st := newMemStore()
	srv := newMCSServer()
	m := newTestManager(t, st, srv)
	conn := startListening(t, m, srv, up.URL)

	// Identical persistent id twice: dedup is not the client's job for
	// in-session duplicates, so both forward; the window keeps one entry.
	stanza := dataStanza("P1", []byte{1, 2})
	sendServerFrame(t, conn, 8, stanza)
	sendServerFrame(t, conn, 8, stanza)

	for i := 0; i < 2; i++ {
		select {
		case req := <-requests:
			assert.Equal(t, []byte{1, 2}, req.body)
		case <-time.After(2 * time.Second):
			t.Fatalf("forward %d missing", i+1)
		}
	}

	rec := st.sessionRecord(t, "com.example.x")
	require.NotNil(t, rec)
	assert.Equal(t, []string{"P1"}, rec.PersistentIDs)
}

func TestListener_EmptyPayloadDropped(t *testing.T) {
	up, requests := newUPEndpoint(t)
	st := newMemStore()
	srv := newMCSServer()
	m := newTestManager(t, st, srv)
	conn := startListening(t, m, srv, up.URL)

	sendServerFrame(t, conn, 8, dataStanza("P-empty", nil))
	// A real payload afterwards proves the listener kept reading.
	sendServerFrame(t, conn, 8, dataStanza("P2", []byte{9}))

	select {
	case req := <-requests:
		assert.Equal(t, []byte{9}, req.body)
	case <-time.After(2 * time.Second):
		t.Fatal("no forward within timeout")
	}
	assert.Empty(t, requests)
}

func TestListener_HeartbeatAck(t *testing.T) {
	up, requests := newUPEndpoint(t)
	st := newMemStore()
	srv := newMCSServer()
	m := newTestManager(t, st, srv)
	conn := startListening(t, m, srv, up.URL)

	sendServerFrame(t, conn, 0, nil) // HeartbeatPing

	// Exactly the two ack bytes come back before anything else.
	ack := make([]byte, 2)
	_, err := io.ReadFull(conn, ack)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x00}, ack)

	// The listener is still reading afterwards.
	sendServerFrame(t, conn, 8, dataStanza("P1", []byte{5}))
	select {
	case <-requests:
	case <-time.After(2 * time.Second):
		t.Fatal("no forward after heartbeat")
	}
}

func TestListener_UnknownTagIgnored(t *testing.T) {
	up, requests := newUPEndpoint(t)
	st := newMemStore()
	srv := newMCSServer()
	m := newTestManager(t, st, srv)
	conn := startListening(t, m, srv, up.URL)

	sendServerFrame(t, conn, 42, []byte("future things"))
	sendServerFrame(t, conn, 8, dataStanza("P1", []byte{5}))

	select {
	case req := <-requests:
		assert.Equal(t, []byte{5}, req.body)
	case <-time.After(2 * time.Second):
		t.Fatal("no forward after unknown tag")
	}
}

func TestListener_ReconnectSendsWindow(t *testing.T) {
	up, requests := newUPEndpoint(t)
	st := newMemStore()
	srv := newMCSServer()
	m := newTestManager(t, st, srv)
	conn := startListening(t, m, srv, up.URL)

	sendServerFrame(t, conn, 8, dataStanza("P1", []byte{1}))
	<-requests
	sendServerFrame(t, conn, 8, dataStanza("P2", []byte{2}))
	<-requests

	// Kill the connection; the supervisor reconnects after the read backoff.
	conn.Close()

	_, login := srv.accept(t)
	assert.Equal(t, []string{"P1", "P2"}, login.ReceivedPersistentId)
}

func TestListener_StopSignalWins(t *testing.T) {
	up, _ := newUPEndpoint(t)
	st := newMemStore()
	srv := newMCSServer()
	m := newTestManager(t, st, srv)
	startListening(t, m, srv, up.URL)

	m.mu.Lock()
	h := m.listeners["com.example.x"]
	m.mu.Unlock()

	m.Stop("com.example.x")
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not observe stop")
	}
	assert.Equal(t, 0, m.Count())
	_, ok := m.Token("com.example.x")
	assert.False(t, ok)
}

func TestManager_BootstrapFailureAbortsStart(t *testing.T) {
	st := newMemStore()
	m := newTestManager(t, st, nil)
	m.register = func(ctx context.Context, hc *http.Client, creds fcm.Credentials) (*fcm.Registration, error) {
		return nil, &fcm.DependencyRejection{API: "GCM registration", Reason: "PHONE_REGISTRATION_ERROR"}
	}

	_, err := m.Start(context.Background(), "app", "http://up.example/1", fcm.Credentials{})
	require.Error(t, err)
	var rejection *fcm.DependencyRejection
	assert.ErrorAs(t, err, &rejection)
	assert.Equal(t, 0, m.Count())

	// No partial session may have been persisted.
	assert.Nil(t, st.sessionRecord(t, "app"))
}
