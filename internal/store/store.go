package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("store: database handle is required")

// Store wraps the relational persistence consumed by the switch. It is the
// single source of truth for durable channel, membership, message, and
// registration state.
type Store struct {
	db    *gorm.DB
	clock func() time.Time
}

// Config configures a Store.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// New validates the configuration and returns a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: cfg.Database, clock: clock}, nil
}

func (s *Store) nowMs() int64 {
	return s.clock().UnixMilli()
}

// FindChannel returns the channel record, or nil if absent.
func (s *Store) FindChannel(ctx context.Context, channelAddress string) (*ChannelRecord, error) {
	var record ChannelRecord
	err := s.db.WithContext(ctx).
		Where("channel_address = ?", channelAddress).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// InsertChannel persists a new channel record.
func (s *Store) InsertChannel(ctx context.Context, record *ChannelRecord) error {
	now := s.nowMs()
	record.CreatedMs = now
	record.LastUpdatedMs = now
	if record.Status == "" {
		record.Status = ChannelStatusActive
	}
	return s.db.WithContext(ctx).Create(record).Error
}

// UpdateChannelStatus sets the status and bumps last_updated_ms.
func (s *Store) UpdateChannelStatus(ctx context.Context, channelAddress, status string) error {
	return s.db.WithContext(ctx).Model(&ChannelRecord{}).
		Where("channel_address = ?", channelAddress).
		Updates(map[string]any{"status": status, "last_updated_ms": s.nowMs()}).Error
}

// TouchChannel bumps last_updated_ms to record channel activity.
func (s *Store) TouchChannel(ctx context.Context, channelAddress string) error {
	return s.db.WithContext(ctx).Model(&ChannelRecord{}).
		Where("channel_address = ?", channelAddress).
		Update("last_updated_ms", s.nowMs()).Error
}

// FindUpdatedChannels returns channels whose last_updated_ms is at or past
// sinceMs, for the deleted-channel reconciliation sweep.
func (s *Store) FindUpdatedChannels(ctx context.Context, sinceMs int64) ([]ChannelRecord, error) {
	var records []ChannelRecord
	err := s.db.WithContext(ctx).
		Where("last_updated_ms >= ?", sinceMs).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// FindChannelMember returns the membership record, or nil if absent.
func (s *Store) FindChannelMember(ctx context.Context, channelAddress, memberAddress string) (*ChannelMemberRecord, error) {
	var record ChannelMemberRecord
	err := s.db.WithContext(ctx).
		Where("channel_address = ? AND member_address = ?", channelAddress, memberAddress).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// InsertChannelMember persists a new membership.
func (s *Store) InsertChannelMember(ctx context.Context, record *ChannelMemberRecord) error {
	now := s.nowMs()
	record.AddedMs = now
	record.LastActiveMs = now
	if record.Status == "" {
		record.Status = MemberStatusActive
	}
	return s.db.WithContext(ctx).Create(record).Error
}

// UpdateChannelMemberActive marks the member active and refreshes its
// last-active timestamp.
func (s *Store) UpdateChannelMemberActive(ctx context.Context, channelAddress, memberAddress string) error {
	return s.db.WithContext(ctx).Model(&ChannelMemberRecord{}).
		Where("channel_address = ? AND member_address = ?", channelAddress, memberAddress).
		Updates(map[string]any{"status": MemberStatusActive, "last_active_ms": s.nowMs()}).Error
}

// SetChannelMemberStatus flips a membership between active and inactive.
func (s *Store) SetChannelMemberStatus(ctx context.Context, channelAddress, memberAddress, status string) error {
	return s.db.WithContext(ctx).Model(&ChannelMemberRecord{}).
		Where("channel_address = ? AND member_address = ?", channelAddress, memberAddress).
		Update("status", status).Error
}

// CountChannelMembers counts memberships with the given status.
func (s *Store) CountChannelMembers(ctx context.Context, channelAddress, status string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&ChannelMemberRecord{}).
		Where("channel_address = ? AND status = ?", channelAddress, status).
		Count(&count).Error
	return count, err
}

// FindChannelMembers lists memberships most-recently-active first. A limit
// of zero returns every match.
func (s *Store) FindChannelMembers(ctx context.Context, channelAddress, status string, limit int) ([]ChannelMemberRecord, error) {
	query := s.db.WithContext(ctx).
		Where("channel_address = ? AND status = ?", channelAddress, status).
		Order("last_active_ms DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var records []ChannelMemberRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// FindChannelMembersByAddress pages through one member's channel
// memberships by descending last activity. Memberships of deleted channels
// are filtered here so a page is short only at the end of the list.
func (s *Store) FindChannelMembersByAddress(ctx context.Context, memberAddress string, lastActiveBeforeMs int64, limit int) ([]ChannelMemberRecord, error) {
	query := s.db.WithContext(ctx).Model(&ChannelMemberRecord{}).
		Joins("JOIN channels ON channels.channel_address = channel_members.channel_address").
		Where("channels.status = ?", ChannelStatusActive).
		Where("channel_members.member_address = ? AND channel_members.status = ?", memberAddress, MemberStatusActive).
		Order("channel_members.last_active_ms DESC")
	if lastActiveBeforeMs > 0 {
		query = query.Where("channel_members.last_active_ms < ?", lastActiveBeforeMs)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var records []ChannelMemberRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// MembersForNotification returns subscribed active members of the channel,
// other than the sender, whose last consideration is older than floorMs,
// and bumps their consideration timestamp in the same transaction so
// concurrent triggers never pick the same member twice.
func (s *Store) MembersForNotification(ctx context.Context, channelAddress, senderAddress string, floorMs int64) ([]ChannelMemberRecord, error) {
	var records []ChannelMemberRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.
			Where("channel_address = ? AND member_address <> ? AND status = ? AND subscribed = ? AND last_considered_ms < ?",
				channelAddress, senderAddress, MemberStatusActive, true, floorMs).
			Find(&records).Error
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		addresses := make([]string, 0, len(records))
		for _, record := range records {
			addresses = append(addresses, record.MemberAddress)
		}
		return tx.Model(&ChannelMemberRecord{}).
			Where("channel_address = ? AND member_address IN ?", channelAddress, addresses).
			Update("last_considered_ms", s.nowMs()).Error
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// InsertInvitation persists a new share invitation.
func (s *Store) InsertInvitation(ctx context.Context, record *ChannelInvitation) error {
	record.CreatedMs = s.nowMs()
	return s.db.WithContext(ctx).Create(record).Error
}

// FindInvitationByID returns the invitation, or nil if absent.
func (s *Store) FindInvitationByID(ctx context.Context, id string) (*ChannelInvitation, error) {
	var record ChannelInvitation
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// InsertMessage appends a relayed message for history replay. Duplicate
// (channel, sender, timestamp) tuples are ignored.
func (s *Store) InsertMessage(ctx context.Context, record *MessageRecord) error {
	record.Size = len(record.Payload)
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(record).Error
}

// FindMessages returns the newest messages in (afterMs, beforeMs), newest
// first, capped at limit. Callers replaying history reverse the slice.
func (s *Store) FindMessages(ctx context.Context, channelAddress string, beforeMs, afterMs int64, limit int) ([]MessageRecord, error) {
	query := s.db.WithContext(ctx).
		Where("channel_address = ? AND timestamp_ms < ?", channelAddress, beforeMs).
		Order("timestamp_ms DESC")
	if afterMs > 0 {
		query = query.Where("timestamp_ms > ?", afterMs)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var records []MessageRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// CountMessages counts messages in the same window FindMessages reads.
func (s *Store) CountMessages(ctx context.Context, channelAddress string, beforeMs, afterMs int64) (int64, error) {
	query := s.db.WithContext(ctx).Model(&MessageRecord{}).
		Where("channel_address = ? AND timestamp_ms < ?", channelAddress, beforeMs)
	if afterMs > 0 {
		query = query.Where("timestamp_ms > ?", afterMs)
	}
	var count int64
	err := query.Count(&count).Error
	return count, err
}

// FindRegistration returns the registration, or nil if absent.
func (s *Store) FindRegistration(ctx context.Context, address string) (*RegistrationRecord, error) {
	var record RegistrationRecord
	err := s.db.WithContext(ctx).Where("address = ?", address).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// UpsertRegistration creates the registration on first contact and
// refreshes last-active on every later one. Preference fields are never
// overwritten here.
func (s *Store) UpsertRegistration(ctx context.Context, address, publicKey, signature string) (*RegistrationRecord, error) {
	now := s.nowMs()
	existing, err := s.FindRegistration(ctx, address)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		err := s.db.WithContext(ctx).Model(&RegistrationRecord{}).
			Where("address = ?", address).
			Updates(map[string]any{"last_active_ms": now, "last_updated_ms": now}).Error
		if err != nil {
			return nil, err
		}
		existing.LastActiveMs = now
		return existing, nil
	}
	record := &RegistrationRecord{
		Address:                   address,
		PublicKey:                 publicKey,
		IdentitySignature:         signature,
		MinSmsIntervalMinutes:     60,
		MinActiveIntervalMinutes:  10,
		MinDormantIntervalMinutes: 60,
		LastActiveMs:              now,
		CreatedMs:                 now,
		LastUpdatedMs:             now,
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(record).Error
	if err != nil {
		return nil, err
	}
	return record, nil
}

// UpdateRegistration applies already-merged preference fields.
func (s *Store) UpdateRegistration(ctx context.Context, record *RegistrationRecord) error {
	record.LastUpdatedMs = s.nowMs()
	return s.db.WithContext(ctx).Save(record).Error
}

// RecordNotification stamps the notification time on both the
// registration and the channel membership.
func (s *Store) RecordNotification(ctx context.Context, channelAddress, memberAddress string) error {
	now := s.nowMs()
	err := s.db.WithContext(ctx).Model(&RegistrationRecord{}).
		Where("address = ?", memberAddress).
		Update("last_notified_ms", now).Error
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&ChannelMemberRecord{}).
		Where("channel_address = ? AND member_address = ?", channelAddress, memberAddress).
		Update("last_notified_ms", now).Error
}

// FindSmsBlockByNumber returns the block entry, or nil if absent.
func (s *Store) FindSmsBlockByNumber(ctx context.Context, number string) (*SmsBlock, error) {
	var record SmsBlock
	err := s.db.WithContext(ctx).Where("number = ?", number).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// UpsertSmsBlock records or updates a destination block.
func (s *Store) UpsertSmsBlock(ctx context.Context, number string, blocked bool) error {
	record := SmsBlock{Number: number, Blocked: blocked, CreatedMs: s.nowMs()}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "number"}},
			DoUpdates: clause.AssignmentColumns([]string{"blocked"}),
		}).
		Create(&record).Error
}
