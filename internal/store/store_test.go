package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/channel-mesh/switchboard/internal/database"
	"github.com/channel-mesh/switchboard/internal/store"
)

type tickingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *tickingClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) (*store.Store, *tickingClock) {
	t.Helper()
	db, err := database.OpenSQLite(":memory:", nil)
	if err != nil {
		t.Fatalf("database open failed: %v", err)
	}
	clock := &tickingClock{now: time.UnixMilli(1700000000000)}
	channelStore, err := store.New(store.Config{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("store construction failed: %v", err)
	}
	return channelStore, clock
}

func seedChannel(t *testing.T, s *store.Store, address string) {
	t.Helper()
	err := s.InsertChannel(context.Background(), &store.ChannelRecord{
		ChannelAddress: address,
		CreatorAddress: "creator",
		TransportURL:   "ws://localhost/relay",
		ContractJSON:   "{}",
	})
	if err != nil {
		t.Fatalf("channel insert failed: %v", err)
	}
}

func seedMember(t *testing.T, s *store.Store, channelAddress, memberAddress string) {
	t.Helper()
	err := s.InsertChannelMember(context.Background(), &store.ChannelMemberRecord{
		ChannelAddress: channelAddress,
		MemberAddress:  memberAddress,
		PublicKey:      "pk",
		Subscribed:     true,
	})
	if err != nil {
		t.Fatalf("member insert failed: %v", err)
	}
}

func TestChannelLifecycle(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedChannel(t, s, "chan-1")

	channel, err := s.FindChannel(ctx, "chan-1")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if channel == nil || channel.Status != store.ChannelStatusActive {
		t.Fatalf("unexpected channel %+v", channel)
	}
	if channel.CreatedMs == 0 || channel.LastUpdatedMs == 0 {
		t.Fatalf("timestamps not stamped: %+v", channel)
	}

	if err := s.UpdateChannelStatus(ctx, "chan-1", store.ChannelStatusDeleted); err != nil {
		t.Fatalf("status update failed: %v", err)
	}
	channel, err = s.FindChannel(ctx, "chan-1")
	if err != nil || channel == nil {
		t.Fatalf("lookup after delete failed: %v", err)
	}
	if channel.Status != store.ChannelStatusDeleted {
		t.Fatalf("expected deleted status, got %s", channel.Status)
	}

	missing, err := s.FindChannel(ctx, "chan-2")
	if err != nil {
		t.Fatalf("missing lookup errored: %v", err)
	}
	if missing != nil {
		t.Fatalf("phantom channel %+v", missing)
	}
}

func TestFindUpdatedChannelsWindow(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	seedChannel(t, s, "old")

	clock.Advance(time.Minute)
	cutoff := clock.Now().UnixMilli()
	seedChannel(t, s, "new")

	records, err := s.FindUpdatedChannels(ctx, cutoff)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(records) != 1 || records[0].ChannelAddress != "new" {
		t.Fatalf("expected only the new channel, got %+v", records)
	}
}

func TestMemberStatusTransitions(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedChannel(t, s, "chan-1")
	seedMember(t, s, "chan-1", "alice")

	if err := s.SetChannelMemberStatus(ctx, "chan-1", "alice", store.MemberStatusInactive); err != nil {
		t.Fatalf("deactivate failed: %v", err)
	}
	member, err := s.FindChannelMember(ctx, "chan-1", "alice")
	if err != nil || member == nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if member.Status != store.MemberStatusInactive {
		t.Fatalf("expected inactive, got %s", member.Status)
	}

	before := member.LastActiveMs
	if err := s.UpdateChannelMemberActive(ctx, "chan-1", "alice"); err != nil {
		t.Fatalf("reactivate failed: %v", err)
	}
	member, err = s.FindChannelMember(ctx, "chan-1", "alice")
	if err != nil || member == nil {
		t.Fatalf("second lookup failed: %v", err)
	}
	if member.Status != store.MemberStatusActive {
		t.Fatalf("expected active, got %s", member.Status)
	}
	if member.LastActiveMs <= before {
		t.Fatalf("last active did not move forward")
	}
}

func TestMembersForNotificationBumpsConsideration(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	seedChannel(t, s, "chan-1")
	seedMember(t, s, "chan-1", "sender")
	seedMember(t, s, "chan-1", "alice")
	seedMember(t, s, "chan-1", "bob")

	floor := clock.Now().UnixMilli()
	members, err := s.MembersForNotification(ctx, "chan-1", "sender", floor)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(members))
	}
	for _, member := range members {
		if member.MemberAddress == "sender" {
			t.Fatalf("sender selected for its own notification")
		}
	}

	// Consideration was stamped, so the same floor yields nothing.
	again, err := s.MembersForNotification(ctx, "chan-1", "sender", floor)
	if err != nil {
		t.Fatalf("second query failed: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("consideration bump not applied, got %d candidates", len(again))
	}

	// A floor past the bump picks the members up again.
	clock.Advance(10 * time.Minute)
	later, err := s.MembersForNotification(ctx, "chan-1", "sender", clock.Now().UnixMilli())
	if err != nil {
		t.Fatalf("third query failed: %v", err)
	}
	if len(later) != 2 {
		t.Fatalf("expected 2 candidates after floor advance, got %d", len(later))
	}
}

func TestFindMessagesNewestFirstWindow(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	for _, timestamp := range []int64{100, 200, 300, 400} {
		err := s.InsertMessage(ctx, &store.MessageRecord{
			ChannelAddress: "chan-1",
			SenderAddress:  "alice",
			TimestampMs:    timestamp,
			Payload:        []byte{byte(timestamp / 100)},
		})
		if err != nil {
			t.Fatalf("insert at %d failed: %v", timestamp, err)
		}
	}

	records, err := s.FindMessages(ctx, "chan-1", 400, 100, 10)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 messages in (100,400), got %d", len(records))
	}
	if records[0].TimestampMs != 300 || records[1].TimestampMs != 200 {
		t.Fatalf("expected newest first, got %d then %d", records[0].TimestampMs, records[1].TimestampMs)
	}

	limited, err := s.FindMessages(ctx, "chan-1", 500, 0, 1)
	if err != nil {
		t.Fatalf("limited query failed: %v", err)
	}
	if len(limited) != 1 || limited[0].TimestampMs != 400 {
		t.Fatalf("limit kept the wrong message: %+v", limited)
	}

	count, err := s.CountMessages(ctx, "chan-1", 400, 100)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected count 2, got %d", count)
	}
}

func TestInsertMessageIgnoresDuplicates(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	record := &store.MessageRecord{
		ChannelAddress: "chan-1",
		SenderAddress:  "alice",
		TimestampMs:    100,
		Payload:        []byte("one"),
	}
	if err := s.InsertMessage(ctx, record); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if err := s.InsertMessage(ctx, record); err != nil {
		t.Fatalf("duplicate insert errored: %v", err)
	}
	count, err := s.CountMessages(ctx, "chan-1", 200, 0)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("duplicate stored, count %d", count)
	}
}

func TestUpsertRegistrationDefaultsAndRefresh(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	record, err := s.UpsertRegistration(ctx, "alice", "pk", "sig")
	if err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	if record.MinSmsIntervalMinutes != 60 ||
		record.MinActiveIntervalMinutes != 10 ||
		record.MinDormantIntervalMinutes != 60 {
		t.Fatalf("unexpected interval defaults %+v", record)
	}
	firstActive := record.LastActiveMs

	record.SmsNumber = "+15550002222"
	if err := s.UpdateRegistration(ctx, record); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	refreshed, err := s.UpsertRegistration(ctx, "alice", "pk", "sig")
	if err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	if refreshed.SmsNumber != "+15550002222" {
		t.Fatalf("upsert clobbered preferences: %+v", refreshed)
	}
	if refreshed.LastActiveMs <= firstActive {
		t.Fatalf("last active not refreshed")
	}
}

func TestRecordNotificationStampsBothRecords(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedChannel(t, s, "chan-1")
	seedMember(t, s, "chan-1", "alice")
	if _, err := s.UpsertRegistration(ctx, "alice", "pk", "sig"); err != nil {
		t.Fatalf("registration upsert failed: %v", err)
	}

	if err := s.RecordNotification(ctx, "chan-1", "alice"); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	member, err := s.FindChannelMember(ctx, "chan-1", "alice")
	if err != nil || member == nil || member.LastNotifiedMs == 0 {
		t.Fatalf("membership not stamped: %+v err=%v", member, err)
	}
	registration, err := s.FindRegistration(ctx, "alice")
	if err != nil || registration == nil || registration.LastNotifiedMs == 0 {
		t.Fatalf("registration not stamped: %+v err=%v", registration, err)
	}
}

func TestSmsBlockUpsert(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	block, err := s.FindSmsBlockByNumber(ctx, "+15550003333")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if block != nil {
		t.Fatalf("phantom block %+v", block)
	}

	if err := s.UpsertSmsBlock(ctx, "+15550003333", true); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	block, err = s.FindSmsBlockByNumber(ctx, "+15550003333")
	if err != nil || block == nil || !block.Blocked {
		t.Fatalf("block not recorded: %+v err=%v", block, err)
	}

	if err := s.UpsertSmsBlock(ctx, "+15550003333", false); err != nil {
		t.Fatalf("unblock failed: %v", err)
	}
	block, err = s.FindSmsBlockByNumber(ctx, "+15550003333")
	if err != nil || block == nil || block.Blocked {
		t.Fatalf("unblock not recorded: %+v err=%v", block, err)
	}
}

func TestInvitationLookup(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	err := s.InsertInvitation(ctx, &store.ChannelInvitation{
		ID:              "inv-1",
		ChannelAddress:  "chan-1",
		SharedByAddress: "alice",
	})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	invitation, err := s.FindInvitationByID(ctx, "inv-1")
	if err != nil || invitation == nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if invitation.ChannelAddress != "chan-1" || invitation.SharedByAddress != "alice" {
		t.Fatalf("unexpected invitation %+v", invitation)
	}

	missing, err := s.FindInvitationByID(ctx, "inv-2")
	if err != nil {
		t.Fatalf("missing lookup errored: %v", err)
	}
	if missing != nil {
		t.Fatalf("phantom invitation %+v", missing)
	}
}

func TestFindChannelMembersByAddressPaging(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	for _, address := range []string{"chan-1", "chan-2", "chan-3"} {
		seedChannel(t, s, address)
		seedMember(t, s, address, "alice")
		clock.Advance(time.Minute)
	}

	page, err := s.FindChannelMembersByAddress(ctx, "alice", 0, 2)
	if err != nil {
		t.Fatalf("first page failed: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected 2 memberships, got %d", len(page))
	}
	if page[0].ChannelAddress != "chan-3" || page[1].ChannelAddress != "chan-2" {
		t.Fatalf("unexpected ordering: %s then %s", page[0].ChannelAddress, page[1].ChannelAddress)
	}

	rest, err := s.FindChannelMembersByAddress(ctx, "alice", page[1].LastActiveMs, 2)
	if err != nil {
		t.Fatalf("second page failed: %v", err)
	}
	if len(rest) != 1 || rest[0].ChannelAddress != "chan-1" {
		t.Fatalf("unexpected second page: %+v", rest)
	}
}

func TestFindChannelMembersByAddressSkipsDeletedChannels(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	for _, address := range []string{"chan-1", "chan-2", "chan-3"} {
		seedChannel(t, s, address)
		seedMember(t, s, address, "alice")
		clock.Advance(time.Minute)
	}
	if err := s.UpdateChannelStatus(ctx, "chan-3", store.ChannelStatusDeleted); err != nil {
		t.Fatalf("channel delete failed: %v", err)
	}

	// The deleted channel must not consume a page slot: the two surviving
	// memberships fill the page.
	page, err := s.FindChannelMembersByAddress(ctx, "alice", 0, 2)
	if err != nil {
		t.Fatalf("page query failed: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected a full page of 2, got %d", len(page))
	}
	if page[0].ChannelAddress != "chan-2" || page[1].ChannelAddress != "chan-1" {
		t.Fatalf("unexpected page: %s then %s", page[0].ChannelAddress, page[1].ChannelAddress)
	}
}
