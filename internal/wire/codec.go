package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

const (
	// HeaderSize is the fixed length of every frame header.
	HeaderSize = 32
	// ProtocolMagic is the protocol magic/version constant at offset 0.
	ProtocolMagic uint16 = 0x5343
	// MaxClockSkew bounds how far an inbound timestamp may drift from
	// local time before the frame is rejected.
	MaxClockSkew = 15000 * time.Millisecond

	flagPriority byte = 1 << 0
	flagHistory  byte = 1 << 1
)

// EncodeParams describes one outbound frame. Control and Payload may both
// be set on a control frame (Payload becomes the binary tail); data frames
// carry Payload only.
type EncodeParams struct {
	ChannelCode uint32
	SenderCode  uint32
	Priority    bool
	History     bool
	Control     *ControlMessage
	Payload     []byte
}

// Encoder produces wire frames with strictly increasing timestamps. Safe
// for concurrent use.
type Encoder struct {
	mu        sync.Mutex
	clock     func() time.Time
	clockSkew time.Duration
	lastSent  uint64
}

// NewEncoder returns an Encoder. A nil clock defaults to time.Now;
// clockSkew is added to every generated timestamp.
func NewEncoder(clock func() time.Time, clockSkew time.Duration) *Encoder {
	if clock == nil {
		clock = time.Now
	}
	return &Encoder{clock: clock, clockSkew: clockSkew}
}

// Encode renders p as a wire frame. The timestamp is the current time plus
// the configured skew, bumped to lastSent+1 whenever it would not be
// strictly greater than the previous frame's.
func (e *Encoder) Encode(p EncodeParams) ([]byte, error) {
	var controlBody []byte
	if p.Control != nil {
		encoded, err := json.Marshal(p.Control)
		if err != nil {
			return nil, fmt.Errorf("wire: encode control: %w", err)
		}
		controlBody = encoded
	}

	// Control frames always carry the 4-byte body length prefix, zero when
	// no JSON body is present, so the binary tail is never misread as one.
	isControl := p.ChannelCode == 0 && p.SenderCode == 0

	payloadLen := len(p.Payload)
	total := HeaderSize + payloadLen
	if isControl {
		total += 4 + len(controlBody)
	}
	frame := make([]byte, total)

	binary.BigEndian.PutUint16(frame[0:2], ProtocolMagic)
	timestamp := e.nextTimestamp()
	binary.BigEndian.PutUint16(frame[2:4], uint16(timestamp>>32))
	binary.BigEndian.PutUint32(frame[4:8], uint32(timestamp))
	binary.BigEndian.PutUint32(frame[8:12], p.ChannelCode)
	binary.BigEndian.PutUint32(frame[12:16], p.SenderCode)
	var flags byte
	if p.Priority {
		flags |= flagPriority
	}
	if p.History {
		flags |= flagHistory
	}
	frame[16] = flags

	offset := HeaderSize
	if isControl {
		binary.BigEndian.PutUint32(frame[offset:offset+4], uint32(len(controlBody)))
		offset += 4
		offset += copy(frame[offset:], controlBody)
	}
	copy(frame[offset:], p.Payload)
	return frame, nil
}

// LastTimestamp returns the timestamp of the most recently encoded frame.
func (e *Encoder) LastTimestamp() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSent
}

func (e *Encoder) nextTimestamp() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	timestamp := uint64(e.clock().Add(e.clockSkew).UnixMilli())
	if timestamp <= e.lastSent {
		timestamp = e.lastSent + 1
	}
	e.lastSent = timestamp
	return timestamp
}

// DecodeOptions tune frame validation.
type DecodeOptions struct {
	// SkipClockSkewCheck disables the 15s timestamp window. Used for
	// trusted re-serialization paths such as history replay, where old
	// timestamps are expected.
	SkipClockSkewCheck bool
	// Clock overrides time.Now for the skew check.
	Clock func() time.Time
}

// Decode parses a raw frame. Control frames (both codes zero) have their
// length-prefixed JSON body parsed and any remaining bytes exposed as the
// binary tail. A garbled control body yields ErrBadControlPayload; no
// decode path panics.
func Decode(raw []byte, opts DecodeOptions) (*Message, error) {
	if len(raw) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(raw))
	}
	if binary.BigEndian.Uint16(raw[0:2]) != ProtocolMagic {
		return nil, ErrBadMagic
	}

	high := uint64(binary.BigEndian.Uint16(raw[2:4]))
	low := uint64(binary.BigEndian.Uint32(raw[4:8]))
	timestamp := high<<32 | low

	if !opts.SkipClockSkewCheck {
		clock := opts.Clock
		if clock == nil {
			clock = time.Now
		}
		now := clock().UnixMilli()
		delta := now - int64(timestamp)
		if delta < 0 {
			delta = -delta
		}
		if delta > MaxClockSkew.Milliseconds() {
			return nil, fmt.Errorf("%w: delta %dms", ErrClockSkew, delta)
		}
	}

	message := &Message{
		Timestamp:   timestamp,
		ChannelCode: binary.BigEndian.Uint32(raw[8:12]),
		SenderCode:  binary.BigEndian.Uint32(raw[12:16]),
		Priority:    raw[16]&flagPriority != 0,
		History:     raw[16]&flagHistory != 0,
		Raw:         raw,
	}

	payload := raw[HeaderSize:]
	if !message.IsControl() {
		message.Payload = payload
		return message, nil
	}

	if len(payload) < 4 {
		return nil, fmt.Errorf("%w: missing length prefix", ErrBadControlPayload)
	}
	bodyLen := binary.BigEndian.Uint32(payload[0:4])
	if uint64(bodyLen) > uint64(len(payload)-4) {
		return nil, fmt.Errorf("%w: body length %d exceeds frame", ErrBadControlPayload, bodyLen)
	}
	if bodyLen > 0 {
		control := &ControlMessage{}
		if err := json.Unmarshal(payload[4:4+bodyLen], control); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadControlPayload, err)
		}
		message.Control = control
	}
	message.Payload = payload[4+bodyLen:]
	return message, nil
}
