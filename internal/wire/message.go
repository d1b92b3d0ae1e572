package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Control message types carried inside control frames (channelCode and
// senderCode both zero).
const (
	ControlJoin              = "join"
	ControlJoinReply         = "join-reply"
	ControlJoinNotification  = "join-notification"
	ControlLeave             = "leave"
	ControlLeaveReply        = "leave-reply"
	ControlLeaveNotification = "leave-notification"
	ControlHistory           = "history"
	ControlHistoryReply      = "history-reply"
	ControlHistoryMessage    = "history-message"
	ControlPing              = "ping"
	ControlPingReply         = "ping-reply"
	ControlError             = "error"
	ControlChannelDeleted    = "channel-deleted"
)

var (
	// ErrShortFrame indicates a frame shorter than the fixed header.
	ErrShortFrame = errors.New("wire: frame shorter than header")
	// ErrBadMagic indicates a frame whose leading protocol constant is wrong.
	ErrBadMagic = errors.New("wire: protocol magic mismatch")
	// ErrClockSkew indicates an embedded timestamp too far from local time.
	ErrClockSkew = errors.New("wire: timestamp outside clock-sync window")
	// ErrBadControlPayload indicates a control frame with a garbled JSON body.
	ErrBadControlPayload = errors.New("wire: invalid control payload")
)

// Message is a decoded wire frame. Control is non-nil only when both codes
// are zero and the JSON body parsed; Payload carries the opaque application
// blob for data frames, or the binary tail for control frames.
type Message struct {
	Timestamp   uint64
	ChannelCode uint32
	SenderCode  uint32
	Priority    bool
	History     bool
	Control     *ControlMessage
	Payload     []byte
	Raw         []byte
}

// IsControl reports whether the frame addresses the control channel.
func (m *Message) IsControl() bool {
	return m.ChannelCode == 0 && m.SenderCode == 0
}

// ControlMessage is the JSON body of a control frame. Details stays raw
// until the discriminant has been read; use DecodeDetails with the struct
// matching Type.
type ControlMessage struct {
	RequestID string          `json:"requestId,omitempty"`
	Type      string          `json:"type"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// DecodeDetails unmarshals the type-specific details into out.
func (c *ControlMessage) DecodeDetails(out any) error {
	if len(c.Details) == 0 {
		return fmt.Errorf("wire: control %q has no details", c.Type)
	}
	return json.Unmarshal(c.Details, out)
}

// NewControl builds a control message with marshalled details. A nil
// details value produces a message without a details field.
func NewControl(requestID, messageType string, details any) (*ControlMessage, error) {
	control := &ControlMessage{RequestID: requestID, Type: messageType}
	if details != nil {
		encoded, err := json.Marshal(details)
		if err != nil {
			return nil, err
		}
		control.Details = encoded
	}
	return control, nil
}

// JoinDetails asks to attach this socket to a channel as a participant.
type JoinDetails struct {
	ChannelAddress     string          `json:"channelAddress"`
	MemberAddress      string          `json:"memberAddress"`
	Signature          string          `json:"signature"`
	ParticipantDetails json.RawMessage `json:"participantDetails,omitempty"`
}

// ParticipantSummary describes one current participant of a channel.
type ParticipantSummary struct {
	ParticipantCode uint32          `json:"participantCode"`
	MemberAddress   string          `json:"memberAddress"`
	Details         json.RawMessage `json:"details,omitempty"`
	MemberSince     int64           `json:"memberSince"`
	LastActive      int64           `json:"lastActive"`
}

// JoinReplyDetails answers a join. Participants is populated only for
// many-to-many channels.
type JoinReplyDetails struct {
	ChannelAddress  string               `json:"channelAddress"`
	ChannelCode     uint32               `json:"channelCode"`
	ParticipantCode uint32               `json:"participantCode"`
	Participants    []ParticipantSummary `json:"participants,omitempty"`
}

// JoinNotificationDetails tells existing participants about a new arrival.
type JoinNotificationDetails struct {
	ChannelAddress  string          `json:"channelAddress"`
	MemberAddress   string          `json:"memberAddress"`
	ParticipantCode uint32          `json:"participantCode"`
	Details         json.RawMessage `json:"details,omitempty"`
}

// LeaveDetails detaches this socket from a channel. Permanently also marks
// the durable membership inactive.
type LeaveDetails struct {
	ChannelAddress string `json:"channelAddress"`
	Permanently    bool   `json:"permanently,omitempty"`
}

// LeaveReplyDetails acknowledges a leave.
type LeaveReplyDetails struct {
	ChannelAddress string `json:"channelAddress"`
}

// LeaveNotificationDetails tells remaining participants about a departure.
type LeaveNotificationDetails struct {
	ChannelAddress  string `json:"channelAddress"`
	MemberAddress   string `json:"memberAddress"`
	ParticipantCode uint32 `json:"participantCode"`
	Permanently     bool   `json:"permanently"`
}

// HistoryDetails requests a replay of persisted channel messages.
type HistoryDetails struct {
	ChannelAddress string `json:"channelAddress"`
	Before         int64  `json:"before"`
	After          int64  `json:"after,omitempty"`
	MaxCount       int    `json:"maxCount,omitempty"`
}

// HistoryReplyDetails announces how many history-message frames will follow.
type HistoryReplyDetails struct {
	Count int64 `json:"count"`
	Total int64 `json:"total"`
}

// HistoryMessageDetails accompanies one replayed message; the original
// payload rides in the frame's binary tail.
type HistoryMessageDetails struct {
	Timestamp      int64  `json:"timestamp"`
	ChannelAddress string `json:"channelAddress"`
	SenderAddress  string `json:"senderAddress"`
}

// ErrorDetails reports a protocol or authorization failure over the socket.
type ErrorDetails struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
}

// ChannelDeletedDetails tells a participant its channel no longer exists.
type ChannelDeletedDetails struct {
	ChannelAddress string `json:"channelAddress"`
}
