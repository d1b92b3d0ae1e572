package relay

import (
	"encoding/json"
)

// channelInfo is the in-memory view of a relay-active channel. It exists
// only while at least one participant is connected and is destroyed when
// the participant count reaches zero or the channel is deleted. All access
// happens under the switch mutex.
type channelInfo struct {
	code           uint32
	address        string
	creatorAddress string
	contract       ChannelContract
	// byCode and byAddress hold the same participants; byAddress keeps
	// the most recent participant per member address.
	byCode    map[uint32]*participantInfo
	byAddress map[string]*participantInfo
	lastCode  uint32
}

func newChannelInfo(code uint32, address, creatorAddress string, contract ChannelContract) *channelInfo {
	return &channelInfo{
		code:           code,
		address:        address,
		creatorAddress: creatorAddress,
		contract:       contract,
		byCode:         make(map[uint32]*participantInfo),
		byAddress:      make(map[string]*participantInfo),
	}
}

// allocateCode assigns the next free participant code for this channel.
func (c *channelInfo) allocateCode() uint32 {
	code := nextCode(c.lastCode, func(candidate uint32) bool {
		_, taken := c.byCode[candidate]
		return taken
	})
	if code != 0 {
		c.lastCode = code
	}
	return code
}

func (c *channelInfo) addParticipant(p *participantInfo) {
	c.byCode[p.code] = p
	c.byAddress[p.memberAddress] = p
}

func (c *channelInfo) removeParticipant(p *participantInfo) {
	delete(c.byCode, p.code)
	if current, ok := c.byAddress[p.memberAddress]; ok && current == p {
		delete(c.byAddress, p.memberAddress)
	}
}

// participantInfo is one socket's live attachment to a channel.
type participantInfo struct {
	code          uint32
	memberAddress string
	socketID      string
	details       json.RawMessage
	memberSinceMs int64
	lastActiveMs  int64
}

// socketInfo is per-connection bookkeeping: the channels this socket has
// joined, ping liveness state, and the inbound timestamp monotonicity
// guard.
type socketInfo struct {
	id   string
	open bool
	// codeByChannel maps channelAddress to this socket's participant
	// code; at most one entry per channel.
	codeByChannel   map[string]uint32
	pingID          uint64
	lastPingSentMs  int64
	lastPingReplyMs int64
	lastTimestamp   uint64
}

func newSocketInfo(id string, nowMs int64) *socketInfo {
	return &socketInfo{
		id:              id,
		open:            true,
		codeByChannel:   make(map[string]uint32),
		lastPingSentMs:  nowMs,
		lastPingReplyMs: nowMs,
	}
}
