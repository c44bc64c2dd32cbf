package tools

import (
	"context"
	"fmt"
)

// Unavailable is a Dispatcher with no transport behind it. Every call fails
// with the configured reason. Used until a mail/calendar adapter is wired.
type Unavailable struct {
	Reason string
}

func (u Unavailable) err() error {
	reason := u.Reason
	if reason == "" {
		reason = "mail transport not configured"
	}
	return fmt.Errorf("tool dispatch unavailable: %s", reason)
}

func (u Unavailable) EmailSearch(ctx context.Context, query string) ([]MessageSummary, error) {
	return nil, u.err()
}

func (u Unavailable) EmailRead(ctx context.Context, messageID string) (Message, error) {
	return Message{}, u.err()
}

func (u Unavailable) ThreadGet(ctx context.Context, threadID string) (Thread, error) {
	return Thread{}, u.err()
}

func (u Unavailable) SendEmail(ctx context.Context, args SendEmailArgs) (string, error) {
	return "", u.err()
}

func (u Unavailable) CreateDraft(ctx context.Context, args CreateDraftArgs) (string, error) {
	return "", u.err()
}

func (u Unavailable) CalendarAvailability(ctx context.Context, args AvailabilityArgs) ([]Slot, error) {
	return nil, u.err()
}

func (u Unavailable) CreateMeeting(ctx context.Context, args CreateMeetingArgs) (MeetingRef, error) {
	return MeetingRef{}, u.err()
}

func (u Unavailable) ScheduleCheck(ctx context.Context, args ScheduleCheckArgs) (ScheduleCheckResult, error) {
	return ScheduleCheckResult{}, u.err()
}
