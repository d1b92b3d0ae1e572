package relay

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/channel-mesh/switchboard/internal/database"
	"github.com/channel-mesh/switchboard/internal/identity"
	"github.com/channel-mesh/switchboard/internal/notify"
	"github.com/channel-mesh/switchboard/internal/store"
	"github.com/channel-mesh/switchboard/internal/transport"
	"github.com/channel-mesh/switchboard/internal/wire"
)

// testClock advances one millisecond per observation so every encoder in a
// test produces strictly increasing timestamps from a shared time base.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.UnixMilli(1700000000000)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeFabric records deliveries instead of writing to sockets.
type fakeFabric struct {
	mu        sync.Mutex
	delivered map[string][][]byte
	buffered  map[string]int
	closed    map[string]bool
}

func newFakeFabric() *fakeFabric {
	return &fakeFabric{
		delivered: make(map[string][][]byte),
		buffered:  make(map[string]int),
		closed:    make(map[string]bool),
	}
}

func (f *fakeFabric) Deliver(frame []byte, socketID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed[socketID] {
		return false
	}
	f.delivered[socketID] = append(f.delivered[socketID], frame)
	return true
}

func (f *fakeFabric) BufferedBytes(socketID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed[socketID] {
		return -1
	}
	return f.buffered[socketID]
}

func (f *fakeFabric) Close(socketID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[socketID] = true
}

func (f *fakeFabric) frames(socketID string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.delivered[socketID]...)
}

// fakeGateway records outbound notification sends.
type fakeGateway struct {
	mu    sync.Mutex
	sends []string
}

func (g *fakeGateway) Send(_ context.Context, destination, body string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sends = append(g.sends, destination+": "+body)
	return nil
}

func (g *fakeGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sends)
}

func (g *fakeGateway) last() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.sends) == 0 {
		return ""
	}
	return g.sends[len(g.sends)-1]
}

type testMember struct {
	address    string
	publicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
}

func newTestMember(t *testing.T, address string) *testMember {
	t.Helper()
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("key generation failed: %v", err)
	}
	return &testMember{address: address, publicKey: public, privateKey: private}
}

type testRig struct {
	relaySwitch *Switch
	store       *store.Store
	db          *gorm.DB
	fabric      *fakeFabric
	gateway     *fakeGateway
	clock       *testClock
	identity    *identity.Service
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	db, err := database.OpenSQLite(":memory:", nil)
	if err != nil {
		t.Fatalf("database open failed: %v", err)
	}
	clock := newTestClock()
	channelStore, err := store.New(store.Config{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("store construction failed: %v", err)
	}
	identityService := identity.NewService(identity.ServiceConfig{
		MaxSkew: time.Hour,
		Clock:   clock.Now,
	})
	fabric := newFakeFabric()
	gateway := &fakeGateway{}
	relaySwitch, err := NewSwitch(Config{
		Store:        channelStore,
		Identity:     identityService,
		Fabric:       fabric,
		Gateway:      gateway,
		Logger:       zap.NewNop(),
		Clock:        clock.Now,
		TransportURL:        "ws://localhost:8080/relay",
		ShareBaseURL:        "https://switchboard.test",
		CallbackURLTemplate: "https://switchboard.test/open/{{channel}}",
	})
	if err != nil {
		t.Fatalf("switch construction failed: %v", err)
	}
	return &testRig{
		relaySwitch: relaySwitch,
		store:       channelStore,
		db:          db,
		fabric:      fabric,
		gateway:     gateway,
		clock:       clock,
		identity:    identityService,
	}
}

func (r *testRig) signedIdentity(t *testing.T, member *testMember) identity.SignedIdentity {
	t.Helper()
	signature, err := r.identity.Sign(member.privateKey, member.address)
	if err != nil {
		t.Fatalf("identity signing failed: %v", err)
	}
	return identity.SignedIdentity{
		Address:   member.address,
		PublicKey: identity.EncodePublicKey(member.publicKey),
		Signature: signature,
	}
}

func (r *testRig) createChannel(t *testing.T, creator *testMember, contract *ContractRequest) *ChannelDetail {
	t.Helper()
	detail, err := r.relaySwitch.Create(context.Background(), r.signedIdentity(t, creator),
		CreateChannelRequest{ChannelContract: contract})
	if err != nil {
		t.Fatalf("channel creation failed: %v", err)
	}
	return detail
}

func (r *testRig) acceptMember(t *testing.T, creator, member *testMember, channelAddress string) {
	t.Helper()
	ctx := context.Background()
	share, err := r.relaySwitch.Share(ctx, r.signedIdentity(t, creator),
		ShareChannelRequest{ChannelAddress: channelAddress})
	if err != nil {
		t.Fatalf("share failed: %v", err)
	}
	_, err = r.relaySwitch.Accept(ctx, r.signedIdentity(t, member),
		AcceptInvitationRequest{InvitationID: share.InvitationID})
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}
}

type testClient struct {
	socketID string
	encoder  *wire.Encoder
	rig      *testRig
}

func (r *testRig) connect(t *testing.T) *testClient {
	t.Helper()
	socketID, ok := r.relaySwitch.SocketConnected("test")
	if !ok {
		t.Fatalf("connect rejected")
	}
	return &testClient{
		socketID: socketID,
		encoder:  wire.NewEncoder(r.clock.Now, 0),
		rig:      r,
	}
}

func (c *testClient) sendControl(t *testing.T, requestID, messageType string, details any) transport.Directive {
	t.Helper()
	control, err := wire.NewControl(requestID, messageType, details)
	if err != nil {
		t.Fatalf("control construction failed: %v", err)
	}
	frame, err := c.encoder.Encode(wire.EncodeParams{Control: control})
	if err != nil {
		t.Fatalf("control encode failed: %v", err)
	}
	return c.rig.relaySwitch.FrameReceived(c.socketID, frame)
}

func (c *testClient) sendData(t *testing.T, channelCode, senderCode uint32, payload []byte, priority, history bool) transport.Directive {
	t.Helper()
	frame, err := c.encoder.Encode(wire.EncodeParams{
		ChannelCode: channelCode,
		SenderCode:  senderCode,
		Priority:    priority,
		History:     history,
		Payload:     payload,
	})
	if err != nil {
		t.Fatalf("data encode failed: %v", err)
	}
	return c.rig.relaySwitch.FrameReceived(c.socketID, frame)
}

func (c *testClient) join(t *testing.T, member *testMember, channelAddress string) wire.JoinReplyDetails {
	t.Helper()
	signature, err := c.rig.identity.Sign(member.privateKey, member.address)
	if err != nil {
		t.Fatalf("identity signing failed: %v", err)
	}
	directive := c.sendControl(t, "join-1", wire.ControlJoin, wire.JoinDetails{
		ChannelAddress: channelAddress,
		MemberAddress:  member.address,
		Signature:      signature,
	})
	reply := requireControl(t, directive, c.socketID, wire.ControlJoinReply)
	var details wire.JoinReplyDetails
	if err := reply.DecodeDetails(&details); err != nil {
		t.Fatalf("join reply details undecodable: %v", err)
	}
	return details
}

// decodeControlFrame parses an encoded frame and requires a control body.
func decodeControlFrame(t *testing.T, frame []byte) *wire.ControlMessage {
	t.Helper()
	message, err := wire.Decode(frame, wire.DecodeOptions{SkipClockSkewCheck: true})
	if err != nil {
		t.Fatalf("frame undecodable: %v", err)
	}
	if message.Control == nil {
		t.Fatalf("expected control frame, got data frame")
	}
	return message.Control
}

// requireControl finds exactly one control message of the given type sent
// to the socket in the directive.
func requireControl(t *testing.T, directive transport.Directive, socketID, messageType string) *wire.ControlMessage {
	t.Helper()
	var found *wire.ControlMessage
	for _, send := range directive.Sends {
		if send.SocketID != socketID {
			continue
		}
		control := decodeControlFrame(t, send.Frame)
		if control.Type == messageType {
			if found != nil {
				t.Fatalf("multiple %s messages for socket %s", messageType, socketID)
			}
			found = control
		}
	}
	if found == nil {
		t.Fatalf("no %s message for socket %s in directive %+v", messageType, socketID, directive)
	}
	return found
}

// requireError asserts the directive carries an error frame with the
// status code.
func requireError(t *testing.T, directive transport.Directive, socketID string, status int) {
	t.Helper()
	control := requireControl(t, directive, socketID, wire.ControlError)
	var details wire.ErrorDetails
	if err := control.DecodeDetails(&details); err != nil {
		t.Fatalf("error details undecodable: %v", err)
	}
	if details.StatusCode != status {
		t.Fatalf("expected status %d, got %d (%s)", status, details.StatusCode, details.Message)
	}
}

// eventually polls until the condition holds or the deadline passes.
func eventually(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

var _ notify.Gateway = (*fakeGateway)(nil)
