package store

// Channel and registration statuses persisted as plain strings.
const (
	ChannelStatusActive  = "active"
	ChannelStatusDeleted = "deleted"

	MemberStatusActive   = "active"
	MemberStatusInactive = "inactive"
)

// ChannelRecord is the durable record of a relay channel. Status flips to
// deleted on delete; otherwise only LastUpdated and ContractJSON move.
type ChannelRecord struct {
	ChannelAddress string `gorm:"column:channel_address;primaryKey;size:64;not null"`
	CreatorAddress string `gorm:"column:creator_address;size:190;not null;index"`
	TransportURL   string `gorm:"column:transport_url;size:512;not null"`
	ContractJSON   string `gorm:"column:contract_json;type:text;not null"`
	Status         string `gorm:"column:status;size:16;not null;default:'active';index"`
	CreatedMs      int64  `gorm:"column:created_ms;not null"`
	LastUpdatedMs  int64  `gorm:"column:last_updated_ms;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (ChannelRecord) TableName() string {
	return "channels"
}

// ChannelMemberRecord is a durable membership, distinct from the transient
// connected participant.
type ChannelMemberRecord struct {
	ChannelAddress     string `gorm:"column:channel_address;primaryKey;size:64;not null"`
	MemberAddress      string `gorm:"column:member_address;primaryKey;size:190;not null;index"`
	PublicKey          string `gorm:"column:public_key;type:text;not null"`
	IdentitySignature  string `gorm:"column:identity_signature;type:text;not null"`
	MemberContractJSON string `gorm:"column:member_contract_json;type:text;not null;default:''"`
	Subscribed         bool   `gorm:"column:subscribed;not null;default:true"`
	Status             string `gorm:"column:status;size:16;not null;default:'active'"`
	AddedMs            int64  `gorm:"column:added_ms;not null"`
	LastActiveMs       int64  `gorm:"column:last_active_ms;not null;index"`
	LastNotifiedMs     int64  `gorm:"column:last_notified_ms;not null;default:0"`
	LastConsideredMs   int64  `gorm:"column:last_considered_ms;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (ChannelMemberRecord) TableName() string {
	return "channel_members"
}

// ChannelInvitation is an immutable share token; looked up by id, never
// updated.
type ChannelInvitation struct {
	ID              string `gorm:"column:id;primaryKey;size:64;not null"`
	ChannelAddress  string `gorm:"column:channel_address;size:64;not null;index"`
	SharedByAddress string `gorm:"column:shared_by_address;size:190;not null"`
	ExtensionsJSON  string `gorm:"column:extensions_json;type:text;not null;default:''"`
	CreatedMs       int64  `gorm:"column:created_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ChannelInvitation) TableName() string {
	return "channel_invitations"
}

// MessageRecord is an append-only relayed message kept for history replay.
type MessageRecord struct {
	ChannelAddress string `gorm:"column:channel_address;primaryKey;size:64;not null;index:idx_messages_channel_time,priority:1"`
	SenderAddress  string `gorm:"column:sender_address;primaryKey;size:190;not null"`
	TimestampMs    int64  `gorm:"column:timestamp_ms;primaryKey;not null;index:idx_messages_channel_time,priority:2"`
	Payload        []byte `gorm:"column:payload;type:blob;not null"`
	Size           int    `gorm:"column:size;not null"`
}

// TableName provides the explicit table binding for GORM.
func (MessageRecord) TableName() string {
	return "channel_messages"
}

// RegistrationRecord holds per-address notification preferences. Upserted
// on first contact, merged field-by-field on preference updates.
type RegistrationRecord struct {
	Address           string `gorm:"column:address;primaryKey;size:190;not null"`
	PublicKey         string `gorm:"column:public_key;type:text;not null"`
	IdentitySignature string `gorm:"column:identity_signature;type:text;not null;default:''"`
	Timezone          string `gorm:"column:timezone;size:64;not null;default:''"`
	SmsNumber         string `gorm:"column:sms_number;size:32;not null;default:''"`
	Suspended         bool   `gorm:"column:suspended;not null;default:false"`
	// Minimum minutes between SMS notifications of any kind.
	MinSmsIntervalMinutes int `gorm:"column:min_sms_interval_minutes;not null;default:60"`
	// Re-notify floors depending on whether the member has been active
	// since the previous notification.
	MinActiveIntervalMinutes  int `gorm:"column:min_active_interval_minutes;not null;default:10"`
	MinDormantIntervalMinutes int `gorm:"column:min_dormant_interval_minutes;not null;default:60"`
	// Quiet window: comma-separated blackout weekdays (0=Sunday) plus a
	// not-before / not-after minute-of-day pair in the member's timezone.
	BlackoutDays     string `gorm:"column:blackout_days;size:32;not null;default:''"`
	NotBeforeMinute  int    `gorm:"column:not_before_minute;not null;default:0"`
	NotAfterMinute   int    `gorm:"column:not_after_minute;not null;default:0"`
	LastActiveMs     int64  `gorm:"column:last_active_ms;not null;default:0"`
	LastNotifiedMs   int64  `gorm:"column:last_notified_ms;not null;default:0"`
	CreatedMs        int64  `gorm:"column:created_ms;not null"`
	LastUpdatedMs    int64  `gorm:"column:last_updated_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RegistrationRecord) TableName() string {
	return "registrations"
}

// SmsBlock marks an SMS destination that must never be messaged.
type SmsBlock struct {
	Number    string `gorm:"column:number;primaryKey;size:32;not null"`
	Blocked   bool   `gorm:"column:blocked;not null;default:true"`
	CreatedMs int64  `gorm:"column:created_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SmsBlock) TableName() string {
	return "sms_blocks"
}
