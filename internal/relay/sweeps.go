package relay

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/channel-mesh/switchboard/internal/store"
	"github.com/channel-mesh/switchboard/internal/transport"
	"github.com/channel-mesh/switchboard/internal/wire"
)

// Start launches the liveness and reconciliation sweeps. They stop when
// ctx is cancelled.
func (s *Switch) Start(ctx context.Context) {
	go s.runSweep(ctx, livenessSweepInterval, s.sweepLiveness)
	go s.runSweep(ctx, reconcileInterval, func() {
		s.sweepDeletedChannels(ctx)
	})
}

func (s *Switch) runSweep(ctx context.Context, interval time.Duration, sweep func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

// sweepLiveness closes sockets whose outstanding ping went unanswered past
// the timeout and pings sockets idle past the ping interval. Ping request
// ids embed an incrementing id as "p"+pingId so stale replies are
// distinguishable.
func (s *Switch) sweepLiveness() {
	nowMs := s.nowMs()
	var toClose []string
	var pings []transport.Send

	s.mu.Lock()
	for _, socket := range s.socketsByID {
		if !socket.open {
			continue
		}
		awaitingReply := socket.lastPingSentMs > socket.lastPingReplyMs
		if awaitingReply && nowMs-socket.lastPingSentMs > s.pingTimeout.Milliseconds() {
			toClose = append(toClose, socket.id)
			continue
		}
		if !awaitingReply && nowMs-socket.lastPingSentMs >= s.pingInterval.Milliseconds() {
			socket.pingID++
			socket.lastPingSentMs = nowMs
			frame, err := s.controlFrame("p"+strconv.FormatUint(socket.pingID, 10), wire.ControlPing, nil, nil)
			if err == nil {
				pings = append(pings, transport.Send{SocketID: socket.id, Frame: frame})
			}
		}
	}
	s.mu.Unlock()

	for _, socketID := range toClose {
		s.logger.Info("closing unresponsive socket", zap.String("socket", socketID))
		s.fabric.Close(socketID)
	}
	for _, ping := range pings {
		s.fabric.Deliver(ping.Frame, ping.SocketID)
	}
}

// sweepDeletedChannels reconciles the in-memory channel cache against
// store deletions: every channel updated since the last check that is no
// longer active has its connected participants told channel-deleted, then
// its in-memory state and channel code are discarded.
func (s *Switch) sweepDeletedChannels(ctx context.Context) {
	nowMs := s.nowMs()
	s.mu.Lock()
	sinceMs := s.lastReconcileMs
	s.lastReconcileMs = nowMs
	s.mu.Unlock()

	records, err := s.store.FindUpdatedChannels(ctx, sinceMs)
	if err != nil {
		s.logger.Warn("reconciliation query failed", zap.Error(err))
		return
	}
	for _, record := range records {
		if record.Status == store.ChannelStatusActive {
			continue
		}
		s.discardDeletedChannel(record.ChannelAddress)
	}
}

// discardDeletedChannel tears down the in-memory state of a channel the
// store no longer considers active, notifying every connected participant.
func (s *Switch) discardDeletedChannel(channelAddress string) {
	s.mu.Lock()
	info := s.channelsByAddress[channelAddress]
	if info == nil {
		s.mu.Unlock()
		return
	}
	var recipients []string
	for _, participant := range info.byCode {
		recipients = append(recipients, participant.socketID)
	}
	s.dropChannelLocked(info)
	s.mu.Unlock()

	frame, err := s.controlFrame("", wire.ControlChannelDeleted,
		wire.ChannelDeletedDetails{ChannelAddress: channelAddress}, nil)
	if err != nil {
		s.logger.Error("channel-deleted encode failed", zap.Error(err))
		return
	}
	for _, socketID := range recipients {
		s.fabric.Deliver(frame, socketID)
	}
	s.logger.Info("deleted channel discarded", zap.String("channel", channelAddress))
}
