// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package console

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"
	"storj.io/common/testrand"

	"github.com/zulipnotifs/pushbridge/bridge/notifyfilter"
	"github.com/zulipnotifs/pushbridge/bridge/subscriptions"
	"github.com/zulipnotifs/pushbridge/bridge/vault"
	"github.com/zulipnotifs/pushbridge/bridge/webpush"
)

// mockDB implements the subscriptions DB interface for testing
type mockDB struct {
	mu      sync.Mutex
	records map[string]subscriptions.Subscription
}

func (m *mockDB) Upsert(ctx context.Context, subscription subscriptions.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records == nil {
		m.records = make(map[string]subscriptions.Subscription)
	}
	m.records[subscription.Endpoint] = subscription
	return nil
}

func (m *mockDB) Get(ctx context.Context, endpoint string) (subscriptions.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subscription, exists := m.records[endpoint]; exists {
		return subscription, nil
	}
	return subscriptions.Subscription{}, subscriptions.ErrNotFound.New("%q", endpoint)
}

func (m *mockDB) List(ctx context.Context) ([]subscriptions.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]subscriptions.Subscription, 0, len(m.records))
	for _, subscription := range m.records {
		all = append(all, subscription)
	}
	return all, nil
}

func (m *mockDB) Delete(ctx context.Context, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, endpoint)
	return nil
}

func (m *mockDB) stored(t *testing.T, endpoint string) subscriptions.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	subscription, exists := m.records[endpoint]
	require.True(t, exists, "no record stored for %q", endpoint)
	return subscription
}

func (m *mockDB) has(endpoint string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.records[endpoint]
	return exists
}

// newZulipServer answers the credential check for registrations.
func newZulipServer(authorized bool) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/users/me":
			if !authorized {
				w.WriteHeader(http.StatusUnauthorized)
				fmt.Fprint(w, `{"result":"error","msg":"Invalid API key"}`)
				return
			}
			fmt.Fprint(w, `{"result":"success","msg":"","user_id":7,"email":"ada@example.com","full_name":"Ada"}`)
		case "/api/v1/events":
			fmt.Fprint(w, `{"result":"success","msg":""}`)
		default:
			http.NotFound(w, r)
		}
	}))
}

func browserKeys(t *testing.T) subscriptions.Keys {
	subscriber, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	return subscriptions.Keys{
		P256dh: base64.RawURLEncoding.EncodeToString(subscriber.PublicKey().Bytes()),
		Auth:   base64.RawURLEncoding.EncodeToString(testrand.BytesInt(16)),
	}
}

type serverFixture struct {
	db      *mockDB
	vault   *vault.Vault
	sender  *webpush.Sender
	baseURL string
}

// startServer runs a bridge API server on a loopback port and tears it
// down with the test.
func startServer(t *testing.T, db *mockDB) *serverFixture {
	ctx := testcontext.New(t)

	masterKey, err := vault.GenerateMasterKey()
	require.NoError(t, err)
	credVault, err := vault.New(vault.Config{MasterKey: masterKey})
	require.NoError(t, err)

	keypair, err := webpush.GenerateKeypair()
	require.NoError(t, err)
	sender, err := webpush.NewSender(zaptest.NewLogger(t), webpush.Config{
		PrivateKey: keypair.PrivateKey(),
		Subject:    "mailto:ops@example.com",
		TTL:        86400,
		Timeout:    10 * time.Second,
	})
	require.NoError(t, err)

	service := subscriptions.NewService(zaptest.NewLogger(t), db, credVault, sender)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := NewServer(zaptest.NewLogger(t), listener, service, sender, "v0.0.0-test",
		Config{Address: listener.Addr().String()})

	serverCtx, cancel := context.WithCancel(context.Background())
	ctx.Go(func() error {
		return server.Run(serverCtx)
	})
	t.Cleanup(func() {
		cancel()
		_ = server.Close()
		ctx.Cleanup()
	})

	return &serverFixture{
		db:      db,
		vault:   credVault,
		sender:  sender,
		baseURL: "http://" + listener.Addr().String(),
	}
}

func (f *serverFixture) get(t *testing.T, path string) (int, map[string]interface{}) {
	resp, err := http.Get(f.baseURL + path)
	require.NoError(t, err)
	return readJSON(t, resp)
}

func (f *serverFixture) post(t *testing.T, path string, body interface{}) (int, map[string]interface{}) {
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.baseURL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return readJSON(t, resp)
}

func readJSON(t *testing.T, resp *http.Response) (int, map[string]interface{}) {
	defer func() { require.NoError(t, resp.Body.Close()) }()
	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp.StatusCode, decoded
}

func registerBody(endpoint, serverURL string) map[string]interface{} {
	return map[string]interface{}{
		"subscription": map[string]interface{}{
			"endpoint": endpoint,
			"keys":     map[string]string{"p256dh": "cDI1NmRoLWtleQ", "auth": "YXV0aC1zZWNyZXQ"},
		},
		"zulipServerUrl": serverURL,
		"zulipEmail":     "ada@example.com",
		"zulipApiKey":    "k3y",
	}
}

func TestServerStatus(t *testing.T) {
	fixture := startServer(t, &mockDB{})

	status, body := fixture.get(t, "/status")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, "v0.0.0-test", body["version"])
}

func TestServerVapidPublicKey(t *testing.T) {
	fixture := startServer(t, &mockDB{})

	status, body := fixture.get(t, "/vapid-public-key")
	require.Equal(t, http.StatusOK, status)

	publicKey, ok := body["publicKey"].(string)
	require.True(t, ok)
	require.Equal(t, fixture.sender.PublicKey(), publicKey)

	point, err := base64.RawURLEncoding.DecodeString(publicKey)
	require.NoError(t, err)
	require.Len(t, point, 65, "an uncompressed P-256 point")
	require.Equal(t, byte(4), point[0])
}

func TestServerCORS(t *testing.T) {
	fixture := startServer(t, &mockDB{})

	req, err := http.NewRequest(http.MethodOptions, fixture.baseURL+"/register", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	require.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
	require.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), "Content-Type")

	// ordinary responses carry the open-origin header too
	getResp, err := http.Get(fixture.baseURL + "/status")
	require.NoError(t, err)
	require.NoError(t, getResp.Body.Close())
	require.Equal(t, "*", getResp.Header.Get("Access-Control-Allow-Origin"))
}

func TestServerRegister(t *testing.T) {
	zulipServer := newZulipServer(true)
	defer zulipServer.Close()

	db := &mockDB{}
	fixture := startServer(t, db)

	endpoint := "https://push.example.com/v1/alpha"
	body := registerBody(endpoint, zulipServer.URL)
	body["filters"] = map[string]interface{}{"notifyOnOther": true}

	status, response := fixture.post(t, "/register", body)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, response["success"])
	require.Equal(t, endpoint, response["endpoint"])

	stored := db.stored(t, endpoint)
	require.Equal(t, int64(7), stored.UserID)
	require.True(t, stored.Settings.NotifyOnOther, "submitted filters are applied")
	require.True(t, stored.Settings.NotifyOnPM, "unsubmitted filters keep their defaults")
}

func TestServerRegisterRejections(t *testing.T) {
	zulipServer := newZulipServer(true)
	defer zulipServer.Close()
	unauthorized := newZulipServer(false)
	defer unauthorized.Close()

	db := &mockDB{}
	fixture := startServer(t, db)

	// undecodable body
	resp, err := http.Post(fixture.baseURL+"/register", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	status, body := readJSON(t, resp)
	require.Equal(t, http.StatusBadRequest, status)
	require.Contains(t, body, "error")

	// missing push keys
	status, _ = fixture.post(t, "/register", map[string]interface{}{
		"subscription":   map[string]interface{}{"endpoint": "https://push.example.com/v1/beta"},
		"zulipServerUrl": zulipServer.URL,
		"zulipEmail":     "ada@example.com",
		"zulipApiKey":    "k3y",
	})
	require.Equal(t, http.StatusBadRequest, status)

	// rejected credentials
	status, _ = fixture.post(t, "/register", registerBody("https://push.example.com/v1/gamma", unauthorized.URL))
	require.Equal(t, http.StatusUnauthorized, status)

	require.False(t, db.has("https://push.example.com/v1/beta"))
	require.False(t, db.has("https://push.example.com/v1/gamma"))
}

func TestServerUpdate(t *testing.T) {
	db := &mockDB{}
	fixture := startServer(t, db)

	endpoint := "https://push.example.com/v1/alpha"
	require.NoError(t, db.Upsert(context.Background(), subscriptions.Subscription{
		Endpoint: endpoint,
		Keys:     subscriptions.Keys{P256dh: "cDI1NmRoLWtleQ", Auth: "YXV0aC1zZWNyZXQ"},
		Settings: notifyfilter.DefaultSettings(),
	}))

	status, body := fixture.post(t, "/update", map[string]interface{}{
		"endpoint": endpoint,
		"filters":  map[string]interface{}{"mutedStreams": []string{"noise"}},
	})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["success"])
	require.Equal(t, []string{"noise"}, db.stored(t, endpoint).Settings.MutedStreams)

	status, body = fixture.post(t, "/update", map[string]interface{}{
		"endpoint": "https://push.example.com/v1/unknown",
		"filters":  map[string]interface{}{},
	})
	require.Equal(t, http.StatusNotFound, status)
	require.Contains(t, body, "error")
}

func TestServerUnregister(t *testing.T) {
	db := &mockDB{}
	fixture := startServer(t, db)

	endpoint := "https://push.example.com/v1/alpha"
	require.NoError(t, db.Upsert(context.Background(), subscriptions.Subscription{
		Endpoint: endpoint,
		Keys:     subscriptions.Keys{P256dh: "cDI1NmRoLWtleQ", Auth: "YXV0aC1zZWNyZXQ"},
	}))

	status, body := fixture.post(t, "/unregister", map[string]interface{}{"endpoint": endpoint})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["success"])
	require.False(t, db.has(endpoint))

	// unknown endpoints unregister cleanly
	status, body = fixture.post(t, "/unregister", map[string]interface{}{"endpoint": endpoint})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["success"])
}

func TestServerTestPush(t *testing.T) {
	var pushStatus atomic.Int32
	pushStatus.Store(http.StatusCreated)
	pushServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(pushStatus.Load()))
	}))
	defer pushServer.Close()

	db := &mockDB{}
	fixture := startServer(t, db)

	endpoint := pushServer.URL + "/v1/alpha"
	require.NoError(t, db.Upsert(context.Background(), subscriptions.Subscription{
		Endpoint: endpoint,
		Keys:     browserKeys(t),
	}))

	status, body := fixture.post(t, "/test-push", map[string]interface{}{"endpoint": endpoint})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["success"])
	require.True(t, db.has(endpoint))

	pushStatus.Store(http.StatusGone)
	status, body = fixture.post(t, "/test-push", map[string]interface{}{"endpoint": endpoint})
	require.Equal(t, http.StatusGone, status)
	require.Contains(t, body, "error")
	require.False(t, db.has(endpoint), "a gone endpoint removes the record")

	status, _ = fixture.post(t, "/test-push", map[string]interface{}{"endpoint": "https://push.example.com/v1/unknown"})
	require.Equal(t, http.StatusNotFound, status)
}
