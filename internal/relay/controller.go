package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/channel-mesh/switchboard/internal/identity"
	"github.com/channel-mesh/switchboard/internal/store"
)

const (
	memberListLimit    = 8
	defaultListLimit   = 50
	invitationAttempts = 1000
)

// MemberSummary is one entry of a truncated channel member list.
type MemberSummary struct {
	MemberAddress string `json:"memberAddress"`
	MemberSince   int64  `json:"memberSince"`
	LastActive    int64  `json:"lastActive"`
}

// ChannelDetail is the control plane's view of a channel. Members holds at
// most the eight most recently active members; MemberCount is exact.
type ChannelDetail struct {
	ChannelAddress string          `json:"channelAddress"`
	TransportURL   string          `json:"transportUrl"`
	CreatorAddress string          `json:"creatorAddress"`
	IsCreator      bool            `json:"isCreator"`
	Contract       ChannelContract `json:"contract"`
	MemberCount    int64           `json:"memberCount"`
	Members        []MemberSummary `json:"members"`
	Created        int64           `json:"created"`
	LastUpdated    int64           `json:"lastUpdated"`
	LastActive     int64           `json:"lastActive,omitempty"`
}

// CreateChannelRequest carries the optional channel and member contracts.
type CreateChannelRequest struct {
	ChannelContract *ContractRequest `json:"channelContract,omitempty"`
	MemberContract  json.RawMessage  `json:"memberContract,omitempty"`
}

// ShareChannelRequest asks for an invitation to an existing channel.
type ShareChannelRequest struct {
	ChannelAddress string          `json:"channelAddress"`
	Extensions     json.RawMessage `json:"extensions,omitempty"`
}

// ShareChannelResponse returns the minted invitation.
type ShareChannelResponse struct {
	InvitationID string `json:"invitationId"`
	ShareURL     string `json:"shareUrl"`
}

// AcceptInvitationRequest redeems an invitation token.
type AcceptInvitationRequest struct {
	InvitationID   string          `json:"invitationId"`
	MemberContract json.RawMessage `json:"memberContract,omitempty"`
}

// ListChannelsRequest pages through the caller's memberships by recency.
type ListChannelsRequest struct {
	LastActiveBefore int64 `json:"lastActiveBefore,omitempty"`
	Limit            int   `json:"limit,omitempty"`
}

// ListChannelsResponse is one page of channel details.
type ListChannelsResponse struct {
	Channels []ChannelDetail `json:"channels"`
}

// RegistrationView is the control plane's view of notification preferences.
type RegistrationView struct {
	Address                   string `json:"address"`
	Timezone                  string `json:"timezone"`
	SmsNumber                 string `json:"smsNumber"`
	Suspended                 bool   `json:"suspended"`
	MinSmsIntervalMinutes     int    `json:"minSmsIntervalMinutes"`
	MinActiveIntervalMinutes  int    `json:"minActiveIntervalMinutes"`
	MinDormantIntervalMinutes int    `json:"minDormantIntervalMinutes"`
	BlackoutDays              string `json:"blackoutDays"`
	NotBeforeMinute           int    `json:"notBeforeMinute"`
	NotAfterMinute            int    `json:"notAfterMinute"`
	LastActive                int64  `json:"lastActive"`
	LastNotificationSent      int64  `json:"lastNotificationSent"`
}

// UpdateRegistrationRequest merges preferences field-by-field; absent
// fields are left unchanged.
type UpdateRegistrationRequest struct {
	Timezone                  *string `json:"timezone,omitempty"`
	SmsNumber                 *string `json:"smsNumber,omitempty"`
	Suspended                 *bool   `json:"suspended,omitempty"`
	MinSmsIntervalMinutes     *int    `json:"minSmsIntervalMinutes,omitempty"`
	MinActiveIntervalMinutes  *int    `json:"minActiveIntervalMinutes,omitempty"`
	MinDormantIntervalMinutes *int    `json:"minDormantIntervalMinutes,omitempty"`
	BlackoutDays              *string `json:"blackoutDays,omitempty"`
	NotBeforeMinute           *int    `json:"notBeforeMinute,omitempty"`
	NotAfterMinute            *int    `json:"notAfterMinute,omitempty"`
}

func (s *Switch) verifyIdentity(operation string, ident identity.SignedIdentity) (*identity.Claim, error) {
	if strings.TrimSpace(ident.Address) == "" ||
		strings.TrimSpace(ident.Signature) == "" ||
		strings.TrimSpace(ident.PublicKey) == "" {
		return nil, newSwitchError(operation, "missing_identity", http.StatusBadRequest,
			errors.New("identity envelope incomplete"))
	}
	claim, err := s.identity.Verify(ident)
	if err != nil {
		return nil, newSwitchError(operation, "invalid_signature", http.StatusUnauthorized, err)
	}
	return claim, nil
}

// Create registers a new channel bound to this process's transport URL,
// applying contract defaults once, and makes the caller its first member.
func (s *Switch) Create(ctx context.Context, ident identity.SignedIdentity, request CreateChannelRequest) (*ChannelDetail, error) {
	const op = "relay.create"
	claim, err := s.verifyIdentity(op, ident)
	if err != nil {
		return nil, err
	}
	contract, err := ResolveContract(request.ChannelContract)
	if err != nil {
		return nil, newSwitchError(op, "invalid_contract", http.StatusBadRequest, err)
	}
	contractJSON, err := EncodeContract(contract)
	if err != nil {
		return nil, newSwitchError(op, "contract_encode", http.StatusInternalServerError, err)
	}

	channelAddress := uuid.NewString()
	record := &store.ChannelRecord{
		ChannelAddress: channelAddress,
		CreatorAddress: claim.Address,
		TransportURL:   s.transportURL,
		ContractJSON:   contractJSON,
	}
	if err := s.store.InsertChannel(ctx, record); err != nil {
		return nil, newSwitchError(op, "channel_insert", http.StatusInternalServerError, err)
	}
	member := &store.ChannelMemberRecord{
		ChannelAddress:     channelAddress,
		MemberAddress:      claim.Address,
		PublicKey:          ident.PublicKey,
		IdentitySignature:  ident.Signature,
		MemberContractJSON: string(request.MemberContract),
		Subscribed:         true,
	}
	if err := s.store.InsertChannelMember(ctx, member); err != nil {
		return nil, newSwitchError(op, "member_insert", http.StatusInternalServerError, err)
	}
	if _, err := s.store.UpsertRegistration(ctx, claim.Address, ident.PublicKey, ident.Signature); err != nil {
		s.logger.Warn("registration upsert failed", zap.Error(err))
	}

	// Allocate the channel code and in-memory state up front so the
	// creator's join resolves immediately.
	s.mu.Lock()
	if s.channelsByAddress[channelAddress] == nil {
		channelCode := nextCode(s.lastChannelCode, func(candidate uint32) bool {
			_, taken := s.addressByCode[candidate]
			return taken
		})
		if channelCode != 0 {
			s.lastChannelCode = channelCode
			info := newChannelInfo(channelCode, channelAddress, claim.Address, contract)
			s.channelsByAddress[channelAddress] = info
			s.addressByCode[channelCode] = channelAddress
		}
	}
	s.mu.Unlock()

	return s.channelDetail(ctx, record, claim.Address, 0)
}

// Share mints an invitation to a channel the caller actively belongs to.
func (s *Switch) Share(ctx context.Context, ident identity.SignedIdentity, request ShareChannelRequest) (*ShareChannelResponse, error) {
	const op = "relay.share"
	claim, err := s.verifyIdentity(op, ident)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireActiveMember(ctx, op, request.ChannelAddress, claim.Address); err != nil {
		return nil, err
	}

	var invitationID string
	for attempt := 0; attempt < invitationAttempts; attempt++ {
		candidate := uuid.NewString()
		existing, err := s.store.FindInvitationByID(ctx, candidate)
		if err != nil {
			return nil, newSwitchError(op, "invitation_lookup", http.StatusInternalServerError, err)
		}
		if existing == nil {
			invitationID = candidate
			break
		}
	}
	if invitationID == "" {
		return nil, newSwitchError(op, "invitation_exhausted", http.StatusInternalServerError,
			errors.New("no unused invitation token found"))
	}

	invitation := &store.ChannelInvitation{
		ID:              invitationID,
		ChannelAddress:  request.ChannelAddress,
		SharedByAddress: claim.Address,
		ExtensionsJSON:  string(request.Extensions),
	}
	if err := s.store.InsertInvitation(ctx, invitation); err != nil {
		return nil, newSwitchError(op, "invitation_insert", http.StatusInternalServerError, err)
	}
	return &ShareChannelResponse{
		InvitationID: invitationID,
		ShareURL:     strings.TrimRight(s.shareBaseURL, "/") + "/invitations/" + invitationID,
	}, nil
}

// Get returns channel detail for an active member.
func (s *Switch) Get(ctx context.Context, ident identity.SignedIdentity, channelAddress string) (*ChannelDetail, error) {
	const op = "relay.get"
	claim, err := s.verifyIdentity(op, ident)
	if err != nil {
		return nil, err
	}
	member, err := s.requireActiveMember(ctx, op, channelAddress, claim.Address)
	if err != nil {
		return nil, err
	}
	channel, err := s.store.FindChannel(ctx, channelAddress)
	if err != nil {
		return nil, newSwitchError(op, "channel_lookup", http.StatusInternalServerError, err)
	}
	if channel == nil || channel.Status != store.ChannelStatusActive {
		return nil, newSwitchError(op, "unknown_channel", http.StatusNotFound, nil)
	}
	return s.channelDetail(ctx, channel, claim.Address, member.LastActiveMs)
}

// Accept redeems an invitation, creating a membership for the caller.
// Joining a channel the caller already actively belongs to is a conflict.
func (s *Switch) Accept(ctx context.Context, ident identity.SignedIdentity, request AcceptInvitationRequest) (*ChannelDetail, error) {
	const op = "relay.accept"
	claim, err := s.verifyIdentity(op, ident)
	if err != nil {
		return nil, err
	}
	invitation, err := s.store.FindInvitationByID(ctx, request.InvitationID)
	if err != nil {
		return nil, newSwitchError(op, "invitation_lookup", http.StatusInternalServerError, err)
	}
	if invitation == nil {
		return nil, newSwitchError(op, "unknown_invitation", http.StatusNotFound, nil)
	}
	channel, err := s.store.FindChannel(ctx, invitation.ChannelAddress)
	if err != nil {
		return nil, newSwitchError(op, "channel_lookup", http.StatusInternalServerError, err)
	}
	if channel == nil || channel.Status != store.ChannelStatusActive {
		return nil, newSwitchError(op, "unknown_channel", http.StatusNotFound, nil)
	}

	existing, err := s.store.FindChannelMember(ctx, channel.ChannelAddress, claim.Address)
	if err != nil {
		return nil, newSwitchError(op, "member_lookup", http.StatusInternalServerError, err)
	}
	switch {
	case existing != nil && existing.Status == store.MemberStatusActive:
		return nil, newSwitchError(op, "already_member", http.StatusConflict, nil)
	case existing != nil:
		if err := s.store.UpdateChannelMemberActive(ctx, channel.ChannelAddress, claim.Address); err != nil {
			return nil, newSwitchError(op, "member_reactivate", http.StatusInternalServerError, err)
		}
	default:
		member := &store.ChannelMemberRecord{
			ChannelAddress:     channel.ChannelAddress,
			MemberAddress:      claim.Address,
			PublicKey:          ident.PublicKey,
			IdentitySignature:  ident.Signature,
			MemberContractJSON: string(request.MemberContract),
			Subscribed:         true,
		}
		if err := s.store.InsertChannelMember(ctx, member); err != nil {
			return nil, newSwitchError(op, "member_insert", http.StatusInternalServerError, err)
		}
	}
	if _, err := s.store.UpsertRegistration(ctx, claim.Address, ident.PublicKey, ident.Signature); err != nil {
		s.logger.Warn("registration upsert failed", zap.Error(err))
	}
	return s.channelDetail(ctx, channel, claim.Address, 0)
}

// Delete marks a channel deleted, tells every connected participant, and
// runs the reconciliation sweep immediately. Only the creator may delete.
func (s *Switch) Delete(ctx context.Context, ident identity.SignedIdentity, channelAddress string) error {
	const op = "relay.delete"
	claim, err := s.verifyIdentity(op, ident)
	if err != nil {
		return err
	}
	channel, err := s.store.FindChannel(ctx, channelAddress)
	if err != nil {
		return newSwitchError(op, "channel_lookup", http.StatusInternalServerError, err)
	}
	if channel == nil || channel.Status != store.ChannelStatusActive {
		return newSwitchError(op, "unknown_channel", http.StatusNotFound, nil)
	}
	if channel.CreatorAddress != claim.Address {
		return newSwitchError(op, "not_creator", http.StatusForbidden, nil)
	}
	if err := s.store.UpdateChannelStatus(ctx, channelAddress, store.ChannelStatusDeleted); err != nil {
		return newSwitchError(op, "status_update", http.StatusInternalServerError, err)
	}
	s.discardDeletedChannel(channelAddress)
	s.sweepDeletedChannels(ctx)
	return nil
}

// List pages through the caller's memberships, most recently active first.
func (s *Switch) List(ctx context.Context, ident identity.SignedIdentity, request ListChannelsRequest) (*ListChannelsResponse, error) {
	const op = "relay.list"
	claim, err := s.verifyIdentity(op, ident)
	if err != nil {
		return nil, err
	}
	limit := request.Limit
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}
	memberships, err := s.store.FindChannelMembersByAddress(ctx, claim.Address, request.LastActiveBefore, limit)
	if err != nil {
		return nil, newSwitchError(op, "membership_query", http.StatusInternalServerError, err)
	}

	response := &ListChannelsResponse{Channels: make([]ChannelDetail, 0, len(memberships))}
	for _, membership := range memberships {
		channel, err := s.store.FindChannel(ctx, membership.ChannelAddress)
		if err != nil {
			return nil, newSwitchError(op, "channel_lookup", http.StatusInternalServerError, err)
		}
		if channel == nil || channel.Status != store.ChannelStatusActive {
			continue
		}
		detail, err := s.channelDetail(ctx, channel, claim.Address, membership.LastActiveMs)
		if err != nil {
			return nil, err
		}
		response.Channels = append(response.Channels, *detail)
	}
	return response, nil
}

// GetRegistration returns the caller's notification preferences, creating
// the registration on first contact.
func (s *Switch) GetRegistration(ctx context.Context, ident identity.SignedIdentity) (*RegistrationView, error) {
	const op = "relay.get_registration"
	claim, err := s.verifyIdentity(op, ident)
	if err != nil {
		return nil, err
	}
	record, err := s.store.UpsertRegistration(ctx, claim.Address, ident.PublicKey, ident.Signature)
	if err != nil {
		return nil, newSwitchError(op, "registration_upsert", http.StatusInternalServerError, err)
	}
	return registrationView(record), nil
}

// UpdateRegistration merges notification preferences field-by-field.
func (s *Switch) UpdateRegistration(ctx context.Context, ident identity.SignedIdentity, request UpdateRegistrationRequest) (*RegistrationView, error) {
	const op = "relay.update_registration"
	claim, err := s.verifyIdentity(op, ident)
	if err != nil {
		return nil, err
	}
	record, err := s.store.UpsertRegistration(ctx, claim.Address, ident.PublicKey, ident.Signature)
	if err != nil {
		return nil, newSwitchError(op, "registration_upsert", http.StatusInternalServerError, err)
	}

	if request.Timezone != nil {
		record.Timezone = *request.Timezone
	}
	if request.SmsNumber != nil {
		record.SmsNumber = *request.SmsNumber
	}
	if request.Suspended != nil {
		record.Suspended = *request.Suspended
	}
	if request.MinSmsIntervalMinutes != nil {
		record.MinSmsIntervalMinutes = *request.MinSmsIntervalMinutes
	}
	if request.MinActiveIntervalMinutes != nil {
		record.MinActiveIntervalMinutes = *request.MinActiveIntervalMinutes
	}
	if request.MinDormantIntervalMinutes != nil {
		record.MinDormantIntervalMinutes = *request.MinDormantIntervalMinutes
	}
	if request.BlackoutDays != nil {
		record.BlackoutDays = *request.BlackoutDays
	}
	if request.NotBeforeMinute != nil {
		record.NotBeforeMinute = *request.NotBeforeMinute
	}
	if request.NotAfterMinute != nil {
		record.NotAfterMinute = *request.NotAfterMinute
	}
	if err := s.store.UpdateRegistration(ctx, record); err != nil {
		return nil, newSwitchError(op, "registration_update", http.StatusInternalServerError, err)
	}
	return registrationView(record), nil
}

func (s *Switch) requireActiveMember(ctx context.Context, op, channelAddress, memberAddress string) (*store.ChannelMemberRecord, error) {
	member, err := s.store.FindChannelMember(ctx, channelAddress, memberAddress)
	if err != nil {
		return nil, newSwitchError(op, "member_lookup", http.StatusInternalServerError, err)
	}
	if member == nil || member.Status != store.MemberStatusActive {
		return nil, newSwitchError(op, "not_member", http.StatusForbidden, nil)
	}
	return member, nil
}

func (s *Switch) channelDetail(ctx context.Context, channel *store.ChannelRecord, callerAddress string, callerLastActive int64) (*ChannelDetail, error) {
	const op = "relay.channel_detail"
	contract, err := ParseContract(channel.ContractJSON)
	if err != nil {
		return nil, newSwitchError(op, "contract_parse", http.StatusInternalServerError, err)
	}
	count, err := s.store.CountChannelMembers(ctx, channel.ChannelAddress, store.MemberStatusActive)
	if err != nil {
		return nil, newSwitchError(op, "member_count", http.StatusInternalServerError, err)
	}
	members, err := s.store.FindChannelMembers(ctx, channel.ChannelAddress, store.MemberStatusActive, memberListLimit)
	if err != nil {
		return nil, newSwitchError(op, "member_list", http.StatusInternalServerError, err)
	}

	detail := &ChannelDetail{
		ChannelAddress: channel.ChannelAddress,
		TransportURL:   channel.TransportURL,
		CreatorAddress: channel.CreatorAddress,
		IsCreator:      channel.CreatorAddress == callerAddress,
		Contract:       contract,
		MemberCount:    count,
		Members:        make([]MemberSummary, 0, len(members)),
		Created:        channel.CreatedMs,
		LastUpdated:    channel.LastUpdatedMs,
		LastActive:     callerLastActive,
	}
	for _, member := range members {
		detail.Members = append(detail.Members, MemberSummary{
			MemberAddress: member.MemberAddress,
			MemberSince:   member.AddedMs,
			LastActive:    member.LastActiveMs,
		})
	}
	return detail, nil
}

func registrationView(record *store.RegistrationRecord) *RegistrationView {
	return &RegistrationView{
		Address:                   record.Address,
		Timezone:                  record.Timezone,
		SmsNumber:                 record.SmsNumber,
		Suspended:                 record.Suspended,
		MinSmsIntervalMinutes:     record.MinSmsIntervalMinutes,
		MinActiveIntervalMinutes:  record.MinActiveIntervalMinutes,
		MinDormantIntervalMinutes: record.MinDormantIntervalMinutes,
		BlackoutDays:              record.BlackoutDays,
		NotBeforeMinute:           record.NotBeforeMinute,
		NotAfterMinute:            record.NotAfterMinute,
		LastActive:                record.LastActiveMs,
		LastNotificationSent:      record.LastNotifiedMs,
	}
}
