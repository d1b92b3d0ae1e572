package server

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/channel-mesh/switchboard/internal/database"
	"github.com/channel-mesh/switchboard/internal/identity"
	"github.com/channel-mesh/switchboard/internal/metrics"
	"github.com/channel-mesh/switchboard/internal/relay"
	"github.com/channel-mesh/switchboard/internal/store"
	"github.com/channel-mesh/switchboard/internal/transport"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type serverFixture struct {
	handler  http.Handler
	identity *identity.Service
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	db, err := database.OpenSQLite(":memory:", nil)
	if err != nil {
		t.Fatalf("database open failed: %v", err)
	}
	channelStore, err := store.New(store.Config{Database: db})
	if err != nil {
		t.Fatalf("store construction failed: %v", err)
	}
	identityService := identity.NewService(identity.ServiceConfig{})
	registry := transport.NewRegistry(transport.RegistryConfig{Logger: zap.NewNop()})
	relaySwitch, err := relay.NewSwitch(relay.Config{
		Store:        channelStore,
		Identity:     identityService,
		Fabric:       registry,
		Logger:       zap.NewNop(),
		TransportURL: "ws://localhost:8080/relay",
		ShareBaseURL: "https://switchboard.test",
	})
	if err != nil {
		t.Fatalf("switch construction failed: %v", err)
	}
	registry.Bind(relaySwitch)

	handler, err := NewHTTPHandler(Dependencies{
		Switch:   relaySwitch,
		Registry: registry,
		Metrics:  metrics.New(),
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("handler construction failed: %v", err)
	}
	return &serverFixture{handler: handler, identity: identityService}
}

func (f *serverFixture) signedIdentity(t *testing.T, address string) identity.SignedIdentity {
	t.Helper()
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("key generation failed: %v", err)
	}
	signature, err := f.identity.Sign(private, address)
	if err != nil {
		t.Fatalf("signing failed: %v", err)
	}
	return identity.SignedIdentity{
		Address:   address,
		PublicKey: identity.EncodePublicKey(public),
		Signature: signature,
	}
}

func (f *serverFixture) control(t *testing.T, ident identity.SignedIdentity, requestType string, details any) *httptest.ResponseRecorder {
	t.Helper()
	envelope := map[string]any{"identity": ident, "type": requestType}
	if details != nil {
		envelope["details"] = details
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("envelope encode failed: %v", err)
	}
	request := httptest.NewRequest(http.MethodPost, "/control", bytes.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func TestHealthEndpoint(t *testing.T) {
	f := newServerFixture(t)
	request := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newServerFixture(t)
	request := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if !bytes.Contains(recorder.Body.Bytes(), []byte("switchboard_sockets_open")) {
		t.Fatalf("metrics exposition missing gauge: %s", recorder.Body.String())
	}
}

func TestControlRejectsMalformedEnvelope(t *testing.T) {
	f := newServerFixture(t)
	request := httptest.NewRequest(http.MethodPost, "/control", bytes.NewReader([]byte("not json")))
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestControlRejectsUnknownType(t *testing.T) {
	f := newServerFixture(t)
	recorder := f.control(t, f.signedIdentity(t, "alice"), "vanish", nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestControlCreateChannel(t *testing.T) {
	f := newServerFixture(t)
	recorder := f.control(t, f.signedIdentity(t, "alice"), "create", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var detail relay.ChannelDetail
	if err := json.Unmarshal(recorder.Body.Bytes(), &detail); err != nil {
		t.Fatalf("response undecodable: %v", err)
	}
	if detail.ChannelAddress == "" || !detail.IsCreator {
		t.Fatalf("unexpected detail %+v", detail)
	}
	if detail.TransportURL != "ws://localhost:8080/relay" {
		t.Fatalf("transport url not exposed: %+v", detail)
	}
}

func TestControlRejectsBadSignature(t *testing.T) {
	f := newServerFixture(t)
	ident := f.signedIdentity(t, "alice")
	ident.Signature = ident.Signature + "tampered"
	recorder := f.control(t, ident, "create", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestControlShareGetAcceptDeleteFlow(t *testing.T) {
	f := newServerFixture(t)
	alice := f.signedIdentity(t, "alice")
	bob := f.signedIdentity(t, "bob")

	created := f.control(t, alice, "create", nil)
	if created.Code != http.StatusOK {
		t.Fatalf("create failed: %d %s", created.Code, created.Body.String())
	}
	var detail relay.ChannelDetail
	if err := json.Unmarshal(created.Body.Bytes(), &detail); err != nil {
		t.Fatalf("create response undecodable: %v", err)
	}

	shared := f.control(t, alice, "share", map[string]any{"channelAddress": detail.ChannelAddress})
	if shared.Code != http.StatusOK {
		t.Fatalf("share failed: %d %s", shared.Code, shared.Body.String())
	}
	var share relay.ShareChannelResponse
	if err := json.Unmarshal(shared.Body.Bytes(), &share); err != nil {
		t.Fatalf("share response undecodable: %v", err)
	}

	accepted := f.control(t, bob, "accept", map[string]any{"invitationId": share.InvitationID})
	if accepted.Code != http.StatusOK {
		t.Fatalf("accept failed: %d %s", accepted.Code, accepted.Body.String())
	}

	fetched := f.control(t, bob, "get", map[string]any{"channelAddress": detail.ChannelAddress})
	if fetched.Code != http.StatusOK {
		t.Fatalf("get failed: %d %s", fetched.Code, fetched.Body.String())
	}

	denied := f.control(t, bob, "delete", map[string]any{"channelAddress": detail.ChannelAddress})
	if denied.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-creator delete, got %d", denied.Code)
	}

	deleted := f.control(t, alice, "delete", map[string]any{"channelAddress": detail.ChannelAddress})
	if deleted.Code != http.StatusOK {
		t.Fatalf("delete failed: %d %s", deleted.Code, deleted.Body.String())
	}

	gone := f.control(t, alice, "get", map[string]any{"channelAddress": detail.ChannelAddress})
	if gone.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", gone.Code)
	}
}

func TestControlRegistrationRoundTrip(t *testing.T) {
	f := newServerFixture(t)
	alice := f.signedIdentity(t, "alice")

	fetched := f.control(t, alice, "get-registration", nil)
	if fetched.Code != http.StatusOK {
		t.Fatalf("get-registration failed: %d %s", fetched.Code, fetched.Body.String())
	}

	updated := f.control(t, alice, "update-registration", map[string]any{"smsNumber": "+15550004444"})
	if updated.Code != http.StatusOK {
		t.Fatalf("update-registration failed: %d %s", updated.Code, updated.Body.String())
	}
	var view relay.RegistrationView
	if err := json.Unmarshal(updated.Body.Bytes(), &view); err != nil {
		t.Fatalf("response undecodable: %v", err)
	}
	if view.SmsNumber != "+15550004444" {
		t.Fatalf("preference not applied: %+v", view)
	}
}

func TestControlListChannels(t *testing.T) {
	f := newServerFixture(t)
	alice := f.signedIdentity(t, "alice")
	f.control(t, alice, "create", nil)
	f.control(t, alice, "create", nil)

	listed := f.control(t, alice, "list", nil)
	if listed.Code != http.StatusOK {
		t.Fatalf("list failed: %d %s", listed.Code, listed.Body.String())
	}
	var response relay.ListChannelsResponse
	if err := json.Unmarshal(listed.Body.Bytes(), &response); err != nil {
		t.Fatalf("response undecodable: %v", err)
	}
	if len(response.Channels) != 2 {
		t.Fatalf("expected 2 channels, got %d", len(response.Channels))
	}
}
