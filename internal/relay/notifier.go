package relay

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/channel-mesh/switchboard/internal/store"
)

const (
	// considerationFloor keeps a member out of notification consideration
	// for five minutes after the last time it was considered, so bursts
	// of channel activity don't re-evaluate the same member repeatedly.
	considerationFloor = 5 * time.Minute

	defaultMinSmsIntervalMinutes     = 60
	defaultMinActiveIntervalMinutes  = 10
	defaultMinDormantIntervalMinutes = 60
)

// considerNotifications runs after a non-priority data message has been
// routed: for each dormant subscribed member of the channel, decide
// whether to push a notification through the outbound gateway.
func (s *Switch) considerNotifications(ctx context.Context, channelAddress, senderAddress string) {
	nowMs := s.nowMs()
	floorMs := nowMs - considerationFloor.Milliseconds()
	members, err := s.store.MembersForNotification(ctx, channelAddress, senderAddress, floorMs)
	if err != nil {
		s.logger.Warn("notification candidate query failed", zap.Error(err))
		return
	}

	for _, member := range members {
		if s.isConnected(channelAddress, member.MemberAddress) {
			continue
		}
		registration, err := s.store.FindRegistration(ctx, member.MemberAddress)
		if err != nil {
			s.logger.Warn("registration lookup failed", zap.Error(err))
			continue
		}
		if registration == nil || registration.Suspended || registration.SmsNumber == "" {
			continue
		}
		block, err := s.store.FindSmsBlockByNumber(ctx, registration.SmsNumber)
		if err != nil {
			s.logger.Warn("sms block lookup failed", zap.Error(err))
			continue
		}
		if block != nil && block.Blocked {
			continue
		}

		minSms := registration.MinSmsIntervalMinutes
		if minSms <= 0 {
			minSms = defaultMinSmsIntervalMinutes
		}
		if nowMs-registration.LastNotifiedMs < int64(minSms)*60000 {
			continue
		}
		if inQuietWindow(registration, s.clock()) {
			continue
		}

		// A member active since its last notification gets the shorter
		// re-notify floor; a dormant one the longer.
		floorMinutes := registration.MinDormantIntervalMinutes
		if floorMinutes <= 0 {
			floorMinutes = defaultMinDormantIntervalMinutes
		}
		if member.LastActiveMs > member.LastNotifiedMs {
			floorMinutes = registration.MinActiveIntervalMinutes
			if floorMinutes <= 0 {
				floorMinutes = defaultMinActiveIntervalMinutes
			}
		}
		if nowMs-member.LastNotifiedMs < int64(floorMinutes)*60000 {
			continue
		}

		body := s.composeNotification(senderAddress, channelAddress)
		if err := s.gateway.Send(ctx, registration.SmsNumber, body); err != nil {
			s.logger.Warn("notification send failed",
				zap.String("member", member.MemberAddress), zap.Error(err))
			continue
		}
		if err := s.store.RecordNotification(ctx, channelAddress, member.MemberAddress); err != nil {
			s.logger.Warn("notification timestamp update failed", zap.Error(err))
		}
		if s.metrics != nil {
			s.metrics.NotificationsSent.Inc()
		}
	}
}

func (s *Switch) isConnected(channelAddress, memberAddress string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := s.channelsByAddress[channelAddress]
	if info == nil {
		return false
	}
	_, connected := info.byAddress[memberAddress]
	return connected
}

func (s *Switch) composeNotification(senderAddress, channelAddress string) string {
	body := fmt.Sprintf("New activity from %s in channel %s.", senderAddress, channelAddress)
	if s.callbackURLTemplate != "" {
		body += " " + strings.ReplaceAll(s.callbackURLTemplate, "{{channel}}", channelAddress)
	}
	return body
}

// inQuietWindow evaluates the member's blackout weekdays and
// not-before/not-after minute-of-day window in its own timezone.
func inQuietWindow(registration *store.RegistrationRecord, now time.Time) bool {
	location := time.UTC
	if registration.Timezone != "" {
		if loaded, err := time.LoadLocation(registration.Timezone); err == nil {
			location = loaded
		}
	}
	local := now.In(location)

	if registration.BlackoutDays != "" {
		for _, field := range strings.Split(registration.BlackoutDays, ",") {
			day, err := strconv.Atoi(strings.TrimSpace(field))
			if err != nil {
				continue
			}
			if day == int(local.Weekday()) {
				return true
			}
		}
	}

	if registration.NotBeforeMinute == 0 && registration.NotAfterMinute == 0 {
		return false
	}
	minuteOfDay := local.Hour()*60 + local.Minute()
	if minuteOfDay < registration.NotBeforeMinute {
		return true
	}
	if registration.NotAfterMinute > 0 && minuteOfDay > registration.NotAfterMinute {
		return true
	}
	return false
}
