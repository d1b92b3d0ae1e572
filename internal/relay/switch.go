package relay

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/channel-mesh/switchboard/internal/identity"
	"github.com/channel-mesh/switchboard/internal/metrics"
	"github.com/channel-mesh/switchboard/internal/notify"
	"github.com/channel-mesh/switchboard/internal/store"
	"github.com/channel-mesh/switchboard/internal/transport"
	"github.com/channel-mesh/switchboard/internal/wire"
)

const (
	defaultPingInterval   = 30 * time.Second
	defaultPingTimeout    = 45 * time.Second
	livenessSweepInterval = 1 * time.Second
	reconcileInterval     = 5 * time.Second
)

var (
	errMissingStore    = errors.New("relay: store is required")
	errMissingIdentity = errors.New("relay: identity service is required")
	errMissingFabric   = errors.New("relay: connection fabric is required")
)

// Fabric is the byte-delivery surface of the connection registry.
type Fabric interface {
	// Deliver queues a frame; false means the socket is unknown or the
	// send failed.
	Deliver(frame []byte, socketID string) bool
	// BufferedBytes reports queued outbound bytes; negative means the
	// socket is gone.
	BufferedBytes(socketID string) int
	// Close force-closes the socket.
	Close(socketID string)
}

// Config assembles a Switch.
type Config struct {
	Store    *store.Store
	Identity *identity.Service
	Fabric   Fabric
	Gateway  notify.Gateway
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Clock    func() time.Time

	// TransportURL is the websocket URL persisted with each channel this
	// process creates.
	TransportURL string
	// ShareBaseURL prefixes invitation ids into share URLs.
	ShareBaseURL string
	// CallbackURLTemplate, when set, is appended to notification texts
	// with "{{channel}}" substituted by the channel address.
	CallbackURLTemplate string

	PingInterval time.Duration
	PingTimeout  time.Duration
}

// Switch is the channel/participant state machine: it owns every in-memory
// channel, participant, and socket registry, decides message fan-out, and
// runs the control plane. All map state is guarded by one mutex; store and
// gateway calls happen outside it.
type Switch struct {
	mu                sync.Mutex
	channelsByAddress map[string]*channelInfo
	addressByCode     map[uint32]string
	socketsByID       map[string]*socketInfo
	lastChannelCode   uint32
	lastReconcileMs   int64

	store    *store.Store
	identity *identity.Service
	fabric   Fabric
	gateway  notify.Gateway
	logger   *zap.Logger
	metrics  *metrics.Metrics
	clock    func() time.Time
	encoder  *wire.Encoder

	transportURL        string
	shareBaseURL        string
	callbackURLTemplate string
	pingInterval        time.Duration
	pingTimeout         time.Duration
}

// NewSwitch validates the configuration and returns a Switch.
func NewSwitch(cfg Config) (*Switch, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Identity == nil {
		return nil, errMissingIdentity
	}
	if cfg.Fabric == nil {
		return nil, errMissingFabric
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gateway := cfg.Gateway
	if gateway == nil {
		gateway = notify.NewLogGateway(logger)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = defaultPingTimeout
	}
	return &Switch{
		channelsByAddress:   make(map[string]*channelInfo),
		addressByCode:       make(map[uint32]string),
		socketsByID:         make(map[string]*socketInfo),
		lastReconcileMs:     clock().UnixMilli(),
		store:               cfg.Store,
		identity:            cfg.Identity,
		fabric:              cfg.Fabric,
		gateway:             gateway,
		logger:              logger,
		metrics:             cfg.Metrics,
		clock:               clock,
		encoder:             wire.NewEncoder(clock, 0),
		transportURL:        cfg.TransportURL,
		shareBaseURL:        cfg.ShareBaseURL,
		callbackURLTemplate: cfg.CallbackURLTemplate,
		pingInterval:        pingInterval,
		pingTimeout:         pingTimeout,
	}, nil
}

func (s *Switch) nowMs() int64 {
	return s.clock().UnixMilli()
}

// SocketConnected implements transport.Handler. Connects always succeed;
// admission control happens at join time.
func (s *Switch) SocketConnected(remoteAddr string) (string, bool) {
	socketID := uuid.NewString()
	s.mu.Lock()
	s.socketsByID[socketID] = newSocketInfo(socketID, s.nowMs())
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SocketsOpen.Inc()
	}
	s.logger.Debug("socket connected",
		zap.String("socket", socketID), zap.String("remote", remoteAddr))
	return socketID, true
}

// SocketClosed implements transport.Handler: it synthesizes a
// non-permanent leave for every channel the socket had joined, without
// sending a reply.
func (s *Switch) SocketClosed(socketID string) {
	s.mu.Lock()
	socket := s.socketsByID[socketID]
	if socket == nil {
		s.mu.Unlock()
		return
	}
	socket.open = false
	var notifications []transport.Send
	for channelAddress, code := range socket.codeByChannel {
		notifications = append(notifications,
			s.detachParticipantLocked(socket, channelAddress, code, false)...)
	}
	delete(s.socketsByID, socketID)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SocketsOpen.Dec()
	}
	for _, send := range notifications {
		s.fabric.Deliver(send.Frame, send.SocketID)
	}
	s.logger.Debug("socket closed", zap.String("socket", socketID))
}

// FrameReceived implements transport.Handler: it decodes the frame,
// enforces per-socket timestamp monotonicity, and dispatches to control
// handling or data routing. Decode failures drop the frame silently since
// the sender cannot be identified reliably yet.
func (s *Switch) FrameReceived(socketID string, frame []byte) transport.Directive {
	message, err := wire.Decode(frame, wire.DecodeOptions{Clock: s.clock})
	if err != nil {
		s.logger.Warn("undecodable frame dropped",
			zap.String("socket", socketID), zap.Error(err))
		s.dropped()
		return transport.Directive{}
	}

	s.mu.Lock()
	socket := s.socketsByID[socketID]
	if socket == nil {
		s.mu.Unlock()
		s.dropped()
		return transport.Directive{}
	}
	if message.Timestamp <= socket.lastTimestamp {
		s.mu.Unlock()
		s.dropped()
		return s.errorDirective(socketID, requestIDOf(message), http.StatusBadRequest,
			"message timestamp is not strictly increasing")
	}
	socket.lastTimestamp = message.Timestamp
	s.mu.Unlock()

	if message.IsControl() {
		if s.metrics != nil {
			s.metrics.ControlMessages.Inc()
		}
		return s.handleControl(socketID, message)
	}
	return s.routeData(socketID, message)
}

func requestIDOf(message *wire.Message) string {
	if message.Control != nil {
		return message.Control.RequestID
	}
	return ""
}

func (s *Switch) handleControl(socketID string, message *wire.Message) transport.Directive {
	control := message.Control
	if control == nil {
		s.logger.Warn("control frame without body dropped", zap.String("socket", socketID))
		s.dropped()
		return transport.Directive{}
	}
	switch control.Type {
	case wire.ControlJoin:
		return s.handleJoin(socketID, control)
	case wire.ControlLeave:
		return s.handleLeave(socketID, control)
	case wire.ControlHistory:
		return s.handleHistory(socketID, control)
	case wire.ControlPing:
		return s.handleInboundPing(socketID, control)
	case wire.ControlPingReply:
		s.handlePingReply(socketID, control)
		return transport.Directive{}
	default:
		return s.errorDirective(socketID, control.RequestID, http.StatusBadRequest,
			"unknown control message type "+control.Type)
	}
}

func (s *Switch) handleJoin(socketID string, control *wire.ControlMessage) transport.Directive {
	var details wire.JoinDetails
	if err := control.DecodeDetails(&details); err != nil {
		return s.errorDirective(socketID, control.RequestID, http.StatusBadRequest,
			"malformed join details")
	}

	ctx := context.Background()
	channel, err := s.store.FindChannel(ctx, details.ChannelAddress)
	if err != nil {
		s.logger.Error("channel lookup failed", zap.Error(err))
		return s.errorDirective(socketID, control.RequestID, http.StatusInternalServerError, "internal error")
	}
	if channel == nil || channel.Status != store.ChannelStatusActive {
		return s.errorDirective(socketID, control.RequestID, http.StatusNotFound, "unknown channel")
	}
	member, err := s.store.FindChannelMember(ctx, details.ChannelAddress, details.MemberAddress)
	if err != nil {
		s.logger.Error("member lookup failed", zap.Error(err))
		return s.errorDirective(socketID, control.RequestID, http.StatusInternalServerError, "internal error")
	}
	if member == nil || member.Status != store.MemberStatusActive {
		return s.errorDirective(socketID, control.RequestID, http.StatusForbidden, "not a channel member")
	}
	claim, err := s.identity.Decode(details.Signature, member.PublicKey)
	if err != nil || claim.Address != details.MemberAddress {
		return s.errorDirective(socketID, control.RequestID, http.StatusUnauthorized, "invalid signature")
	}
	contract, err := ParseContract(channel.ContractJSON)
	if err != nil {
		s.logger.Error("stored contract unreadable",
			zap.String("channel", channel.ChannelAddress), zap.Error(err))
		return s.errorDirective(socketID, control.RequestID, http.StatusInternalServerError, "internal error")
	}

	nowMs := s.nowMs()
	s.mu.Lock()
	socket := s.socketsByID[socketID]
	if socket == nil {
		s.mu.Unlock()
		s.dropped()
		return transport.Directive{}
	}
	if _, joined := socket.codeByChannel[details.ChannelAddress]; joined {
		s.mu.Unlock()
		return s.errorDirective(socketID, control.RequestID, http.StatusConflict,
			"already joined on this connection")
	}

	info := s.channelsByAddress[details.ChannelAddress]
	if info == nil {
		channelCode := nextCode(s.lastChannelCode, func(candidate uint32) bool {
			_, taken := s.addressByCode[candidate]
			return taken
		})
		if channelCode == 0 {
			s.mu.Unlock()
			return s.errorDirective(socketID, control.RequestID, http.StatusInternalServerError,
				"channel codes exhausted")
		}
		s.lastChannelCode = channelCode
		info = newChannelInfo(channelCode, channel.ChannelAddress, channel.CreatorAddress, contract)
		s.channelsByAddress[channel.ChannelAddress] = info
		s.addressByCode[channelCode] = channel.ChannelAddress
	}
	if len(info.byCode) >= info.contract.MaxParticipants {
		s.mu.Unlock()
		return s.errorDirective(socketID, control.RequestID, http.StatusConflict, "channel is full")
	}

	participantCode := info.allocateCode()
	if participantCode == 0 {
		s.mu.Unlock()
		return s.errorDirective(socketID, control.RequestID, http.StatusInternalServerError,
			"participant codes exhausted")
	}
	participant := &participantInfo{
		code:          participantCode,
		memberAddress: details.MemberAddress,
		socketID:      socketID,
		details:       details.ParticipantDetails,
		memberSinceMs: member.AddedMs,
		lastActiveMs:  nowMs,
	}
	info.addParticipant(participant)
	socket.codeByChannel[details.ChannelAddress] = participantCode

	manyToMany := info.contract.Topology == TopologyManyToMany
	reply := wire.JoinReplyDetails{
		ChannelAddress:  info.address,
		ChannelCode:     info.code,
		ParticipantCode: participantCode,
	}
	var otherSockets []string
	if manyToMany {
		for _, p := range info.byCode {
			reply.Participants = append(reply.Participants, wire.ParticipantSummary{
				ParticipantCode: p.code,
				MemberAddress:   p.memberAddress,
				Details:         p.details,
				MemberSince:     p.memberSinceMs,
				LastActive:      p.lastActiveMs,
			})
			if p.socketID != socketID {
				otherSockets = append(otherSockets, p.socketID)
			}
		}
	}
	s.mu.Unlock()

	if err := s.store.UpdateChannelMemberActive(ctx, details.ChannelAddress, details.MemberAddress); err != nil {
		s.logger.Warn("member activity update failed", zap.Error(err))
	}

	directive := transport.Directive{}
	replyFrame, err := s.controlFrame(control.RequestID, wire.ControlJoinReply, reply, nil)
	if err != nil {
		s.logger.Error("join reply encode failed", zap.Error(err))
		return directive
	}
	directive.Sends = append(directive.Sends, transport.Send{SocketID: socketID, Frame: replyFrame})

	if len(otherSockets) > 0 {
		notification, err := s.controlFrame("", wire.ControlJoinNotification, wire.JoinNotificationDetails{
			ChannelAddress:  info.address,
			MemberAddress:   details.MemberAddress,
			ParticipantCode: participantCode,
			Details:         details.ParticipantDetails,
		}, nil)
		if err == nil {
			for _, other := range otherSockets {
				directive.Sends = append(directive.Sends, transport.Send{SocketID: other, Frame: notification})
			}
		}
	}
	return directive
}

func (s *Switch) handleLeave(socketID string, control *wire.ControlMessage) transport.Directive {
	var details wire.LeaveDetails
	if err := control.DecodeDetails(&details); err != nil {
		return s.errorDirective(socketID, control.RequestID, http.StatusBadRequest,
			"malformed leave details")
	}

	s.mu.Lock()
	socket := s.socketsByID[socketID]
	if socket == nil {
		s.mu.Unlock()
		s.dropped()
		return transport.Directive{}
	}
	code, joined := socket.codeByChannel[details.ChannelAddress]
	if !joined {
		s.mu.Unlock()
		return s.errorDirective(socketID, control.RequestID, http.StatusNotFound,
			"not joined to this channel")
	}
	notifications := s.detachParticipantLocked(socket, details.ChannelAddress, code, details.Permanently)
	s.mu.Unlock()

	directive := transport.Directive{Sends: notifications}
	replyFrame, err := s.controlFrame(control.RequestID, wire.ControlLeaveReply,
		wire.LeaveReplyDetails{ChannelAddress: details.ChannelAddress}, nil)
	if err == nil {
		directive.Sends = append(directive.Sends, transport.Send{SocketID: socketID, Frame: replyFrame})
	}
	return directive
}

// detachParticipantLocked removes the socket's participant from a channel,
// emits leave-notifications for many-to-many channels, and destroys the
// channelInfo when the participant count reaches zero. Caller holds s.mu.
func (s *Switch) detachParticipantLocked(socket *socketInfo, channelAddress string, code uint32, permanently bool) []transport.Send {
	delete(socket.codeByChannel, channelAddress)
	info := s.channelsByAddress[channelAddress]
	if info == nil {
		return nil
	}
	participant := info.byCode[code]
	if participant == nil {
		return nil
	}
	info.removeParticipant(participant)

	var sends []transport.Send
	if info.contract.Topology == TopologyManyToMany && len(info.byCode) > 0 {
		frame, err := s.controlFrame("", wire.ControlLeaveNotification, wire.LeaveNotificationDetails{
			ChannelAddress:  channelAddress,
			MemberAddress:   participant.memberAddress,
			ParticipantCode: code,
			Permanently:     permanently,
		}, nil)
		if err == nil {
			for _, remaining := range info.byCode {
				sends = append(sends, transport.Send{SocketID: remaining.socketID, Frame: frame})
			}
		}
	}
	if len(info.byCode) == 0 {
		s.dropChannelLocked(info)
	}

	if permanently {
		memberAddress := participant.memberAddress
		go func() {
			err := s.store.SetChannelMemberStatus(context.Background(),
				channelAddress, memberAddress, store.MemberStatusInactive)
			if err != nil {
				s.logger.Warn("member deactivation failed", zap.Error(err))
			}
		}()
	}
	return sends
}

// dropChannelLocked destroys a channelInfo, frees its channel code, and
// clears every socket's mapping for it. Caller holds s.mu.
func (s *Switch) dropChannelLocked(info *channelInfo) {
	delete(s.channelsByAddress, info.address)
	delete(s.addressByCode, info.code)
	for _, participant := range info.byCode {
		if socket := s.socketsByID[participant.socketID]; socket != nil {
			delete(socket.codeByChannel, info.address)
		}
	}
}

// routeData decides the fan-out for a non-control frame: resolve codes,
// reject spoofed senders, enforce topology, then return the recipient
// socket set. History persistence and notification scheduling run after
// the directive is computed, off the hot path.
func (s *Switch) routeData(socketID string, message *wire.Message) transport.Directive {
	s.mu.Lock()
	channelAddress, ok := s.addressByCode[message.ChannelCode]
	if !ok {
		s.mu.Unlock()
		s.dropped()
		return s.errorDirective(socketID, "", http.StatusNotFound, "unknown channel code")
	}
	info := s.channelsByAddress[channelAddress]
	if info == nil {
		s.mu.Unlock()
		s.dropped()
		return s.errorDirective(socketID, "", http.StatusNotFound, "unknown channel code")
	}
	sender := info.byCode[message.SenderCode]
	if sender == nil {
		s.mu.Unlock()
		s.dropped()
		return s.errorDirective(socketID, "", http.StatusNotFound, "unknown sender code")
	}
	if sender.socketID != socketID {
		s.mu.Unlock()
		s.dropped()
		return s.errorDirective(socketID, "", http.StatusForbidden, "sender code does not belong to this connection")
	}
	isCreator := sender.memberAddress == info.creatorAddress
	if info.contract.Topology == TopologyOneToMany && !isCreator {
		s.mu.Unlock()
		s.dropped()
		return s.errorDirective(socketID, "", http.StatusForbidden, "only the creator may send on this channel")
	}

	seen := make(map[string]struct{})
	var recipients []string
	for _, candidate := range info.byCode {
		if candidate.socketID == socketID {
			continue
		}
		if info.contract.Topology == TopologyManyToOne &&
			!isCreator && candidate.memberAddress != info.creatorAddress {
			// Non-creator to non-creator traffic is dropped at fan-out.
			continue
		}
		if _, duplicate := seen[candidate.socketID]; duplicate {
			continue
		}
		seen[candidate.socketID] = struct{}{}
		recipients = append(recipients, candidate.socketID)
	}

	sender.lastActiveMs = s.nowMs()
	contract := info.contract
	senderAddress := sender.memberAddress
	s.mu.Unlock()

	if message.History && contract.History {
		payload := append([]byte(nil), message.Payload...)
		timestamp := int64(message.Timestamp)
		go s.persistMessage(channelAddress, senderAddress, timestamp, payload)
	}
	if !message.Priority {
		go s.considerNotifications(context.Background(), channelAddress, senderAddress)
	}
	if s.metrics != nil {
		s.metrics.FramesRouted.Inc()
	}
	return transport.Directive{Forward: recipients}
}

// persistMessage appends a history record and refreshes activity
// timestamps. Best-effort: failures are logged, never fatal to delivery.
func (s *Switch) persistMessage(channelAddress, senderAddress string, timestampMs int64, payload []byte) {
	ctx := context.Background()
	err := s.store.InsertMessage(ctx, &store.MessageRecord{
		ChannelAddress: channelAddress,
		SenderAddress:  senderAddress,
		TimestampMs:    timestampMs,
		Payload:        payload,
	})
	if err != nil {
		s.logger.Warn("history persistence failed",
			zap.String("channel", channelAddress), zap.Error(err))
		return
	}
	if err := s.store.UpdateChannelMemberActive(ctx, channelAddress, senderAddress); err != nil {
		s.logger.Warn("member activity update failed", zap.Error(err))
	}
	if err := s.store.TouchChannel(ctx, channelAddress); err != nil {
		s.logger.Warn("channel activity update failed", zap.Error(err))
	}
}

func (s *Switch) handleInboundPing(socketID string, control *wire.ControlMessage) transport.Directive {
	frame, err := s.controlFrame(control.RequestID, wire.ControlPingReply, nil, nil)
	if err != nil {
		return transport.Directive{}
	}
	return transport.Directive{Sends: []transport.Send{{SocketID: socketID, Frame: frame}}}
}

// handlePingReply accepts a reply only when its request id matches the
// outstanding ping id; mismatches are logged and ignored.
func (s *Switch) handlePingReply(socketID string, control *wire.ControlMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	socket := s.socketsByID[socketID]
	if socket == nil {
		return
	}
	expected := "p" + strconv.FormatUint(socket.pingID, 10)
	if control.RequestID != expected {
		s.logger.Warn("stale ping reply ignored",
			zap.String("socket", socketID),
			zap.String("requestId", control.RequestID),
			zap.String("expected", expected))
		return
	}
	socket.lastPingReplyMs = s.nowMs()
}

func (s *Switch) controlFrame(requestID, messageType string, details any, tail []byte) ([]byte, error) {
	control, err := wire.NewControl(requestID, messageType, details)
	if err != nil {
		return nil, err
	}
	return s.encoder.Encode(wire.EncodeParams{Control: control, Payload: tail})
}

func (s *Switch) errorDirective(socketID, requestID string, status int, message string) transport.Directive {
	frame, err := s.controlFrame(requestID, wire.ControlError,
		wire.ErrorDetails{StatusCode: status, Message: message}, nil)
	if err != nil {
		s.logger.Error("error frame encode failed", zap.Error(err))
		return transport.Directive{}
	}
	return transport.Directive{Sends: []transport.Send{{SocketID: socketID, Frame: frame}}}
}

func (s *Switch) dropped() {
	if s.metrics != nil {
		s.metrics.FramesDropped.Inc()
	}
}
