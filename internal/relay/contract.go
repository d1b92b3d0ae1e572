package relay

import (
	"encoding/json"
	"fmt"
)

// Channel topologies.
const (
	TopologyManyToMany = "many-to-many"
	TopologyOneToMany  = "one-to-many"
	TopologyManyToOne  = "many-to-one"
)

const ninetyDaysSeconds = 90 * 24 * 60 * 60

// ChannelContract is a channel's resolved topology and limits, persisted
// with the channel record.
type ChannelContract struct {
	History           bool            `json:"history"`
	Priority          bool            `json:"priority"`
	MaxDataRate       int             `json:"maxDataRate"`
	MaxMessageRate    int             `json:"maxMessageRate"`
	MaxHistoryCount   int             `json:"maxHistoryCount"`
	MaxHistorySeconds int64           `json:"maxHistorySeconds"`
	MaxParticipants   int             `json:"maxParticipants"`
	MaxPayloadSize    int             `json:"maxPayloadSize"`
	Topology          string          `json:"topology"`
	ServiceDetails    json.RawMessage `json:"serviceDetails,omitempty"`
}

// ContractRequest is the client-supplied contract with every field
// optional; absent fields take contract defaults on creation.
type ContractRequest struct {
	History           *bool           `json:"history,omitempty"`
	Priority          *bool           `json:"priority,omitempty"`
	MaxDataRate       *int            `json:"maxDataRate,omitempty"`
	MaxMessageRate    *int            `json:"maxMessageRate,omitempty"`
	MaxHistoryCount   *int            `json:"maxHistoryCount,omitempty"`
	MaxHistorySeconds *int64          `json:"maxHistorySeconds,omitempty"`
	MaxParticipants   *int            `json:"maxParticipants,omitempty"`
	MaxPayloadSize    *int            `json:"maxPayloadSize,omitempty"`
	Topology          string          `json:"topology,omitempty"`
	ServiceDetails    json.RawMessage `json:"serviceDetails,omitempty"`
}

// ResolveContract applies creation-time defaults to a request. Applied
// once; the resolved contract is immutable afterwards.
func ResolveContract(request *ContractRequest) (ChannelContract, error) {
	contract := ChannelContract{
		History:           true,
		MaxDataRate:       65535,
		MaxMessageRate:    100,
		MaxHistoryCount:   1000,
		MaxHistorySeconds: ninetyDaysSeconds,
		MaxParticipants:   1000,
		MaxPayloadSize:    65535,
		Topology:          TopologyManyToMany,
	}
	if request == nil {
		return contract, nil
	}
	if request.History != nil {
		contract.History = *request.History
	}
	if request.Priority != nil {
		contract.Priority = *request.Priority
	}
	if request.MaxDataRate != nil {
		contract.MaxDataRate = *request.MaxDataRate
	}
	if request.MaxMessageRate != nil {
		contract.MaxMessageRate = *request.MaxMessageRate
	}
	if request.MaxHistoryCount != nil {
		contract.MaxHistoryCount = *request.MaxHistoryCount
	}
	if request.MaxHistorySeconds != nil {
		contract.MaxHistorySeconds = *request.MaxHistorySeconds
	}
	if request.MaxParticipants != nil {
		contract.MaxParticipants = *request.MaxParticipants
	}
	if request.MaxPayloadSize != nil {
		contract.MaxPayloadSize = *request.MaxPayloadSize
	}
	if request.Topology != "" {
		switch request.Topology {
		case TopologyManyToMany, TopologyOneToMany, TopologyManyToOne:
			contract.Topology = request.Topology
		default:
			return ChannelContract{}, fmt.Errorf("unknown topology %q", request.Topology)
		}
	}
	contract.ServiceDetails = request.ServiceDetails
	return contract, nil
}

// ParseContract reads a persisted contract back out of a channel record.
func ParseContract(encoded string) (ChannelContract, error) {
	var contract ChannelContract
	if err := json.Unmarshal([]byte(encoded), &contract); err != nil {
		return ChannelContract{}, err
	}
	return contract, nil
}

// EncodeContract renders a contract for persistence.
func EncodeContract(contract ChannelContract) (string, error) {
	encoded, err := json.Marshal(contract)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}
