package relay

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/channel-mesh/switchboard/internal/transport"
	"github.com/channel-mesh/switchboard/internal/wire"
)

const (
	historyMaxCount = 100
	// historyBackpressureLimit pauses the replay stream while a socket
	// has more than this many outbound bytes queued.
	historyBackpressureLimit = 50000
	historyPollInterval      = 10 * time.Millisecond
)

// handleHistory answers a history request immediately with the counts,
// then streams the matching messages in the background. The caller must
// currently participate in the channel, which implies active membership.
func (s *Switch) handleHistory(socketID string, control *wire.ControlMessage) transport.Directive {
	var details wire.HistoryDetails
	if err := control.DecodeDetails(&details); err != nil {
		return s.errorDirective(socketID, control.RequestID, http.StatusBadRequest,
			"malformed history details")
	}

	s.mu.Lock()
	socket := s.socketsByID[socketID]
	joined := socket != nil
	if joined {
		_, joined = socket.codeByChannel[details.ChannelAddress]
	}
	s.mu.Unlock()
	if !joined {
		return s.errorDirective(socketID, control.RequestID, http.StatusForbidden,
			"not a participant of this channel")
	}

	before := details.Before
	if before <= 0 {
		before = s.nowMs()
	}
	maxCount := details.MaxCount
	if maxCount <= 0 || maxCount > historyMaxCount {
		maxCount = historyMaxCount
	}

	ctx := context.Background()
	total, err := s.store.CountMessages(ctx, details.ChannelAddress, before, details.After)
	if err != nil {
		s.logger.Error("history count failed", zap.Error(err))
		return s.errorDirective(socketID, control.RequestID, http.StatusInternalServerError, "internal error")
	}
	count := total
	if count > int64(maxCount) {
		count = int64(maxCount)
	}

	replyFrame, err := s.controlFrame(control.RequestID, wire.ControlHistoryReply,
		wire.HistoryReplyDetails{Count: count, Total: total}, nil)
	if err != nil {
		s.logger.Error("history reply encode failed", zap.Error(err))
		return transport.Directive{}
	}

	if count > 0 {
		go s.streamHistory(socketID, details.ChannelAddress, before, details.After, int(count))
	}
	return transport.Directive{Sends: []transport.Send{{SocketID: socketID, Frame: replyFrame}}}
}

// streamHistory delivers history-message frames oldest-relevant-first. It
// pauses while the socket's outbound buffer exceeds the backpressure
// threshold and aborts on socket closure or delivery failure. Runs outside
// every lock; it never blocks request handling.
func (s *Switch) streamHistory(socketID, channelAddress string, beforeMs, afterMs int64, count int) {
	records, err := s.store.FindMessages(context.Background(), channelAddress, beforeMs, afterMs, count)
	if err != nil {
		s.logger.Error("history fetch failed",
			zap.String("channel", channelAddress), zap.Error(err))
		return
	}

	// Newest-first from the store; replay oldest first.
	for i := len(records) - 1; i >= 0; i-- {
		record := records[i]
		for s.fabric.BufferedBytes(socketID) > historyBackpressureLimit {
			time.Sleep(historyPollInterval)
		}
		if s.fabric.BufferedBytes(socketID) < 0 {
			return
		}
		frame, err := s.controlFrame("", wire.ControlHistoryMessage, wire.HistoryMessageDetails{
			Timestamp:      record.TimestampMs,
			ChannelAddress: record.ChannelAddress,
			SenderAddress:  record.SenderAddress,
		}, record.Payload)
		if err != nil {
			s.logger.Error("history frame encode failed", zap.Error(err))
			return
		}
		if !s.fabric.Deliver(frame, socketID) {
			return
		}
	}
}
