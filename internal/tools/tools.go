// Package tools is the dispatch boundary to the mail/calendar transport.
// The variant set is closed: one Dispatcher method per tool type, so the
// execution engine matches exhaustively and a new tool is a compile-time
// addition.
package tools

import "context"

// Tool types. These are the only capabilities a plan may invoke.
const (
	EmailSearch          = "email_search"
	EmailRead            = "email_read"
	SendEmail            = "send_email"
	CreateDraft          = "create_draft"
	CalendarAvailability = "calendar_availability"
	CreateMeeting        = "create_meeting"
	ScheduleCheck        = "schedule_check"
)

// All lists every tool type.
func All() []string {
	return []string{EmailSearch, EmailRead, SendEmail, CreateDraft, CalendarAvailability, CreateMeeting, ScheduleCheck}
}

// Known reports whether t names a dispatchable tool.
func Known(t string) bool {
	switch t {
	case EmailSearch, EmailRead, SendEmail, CreateDraft, CalendarAvailability, CreateMeeting, ScheduleCheck:
		return true
	}
	return false
}

// HasSideEffects reports whether a tool writes to the outside world. Risk
// flags gate write tools only; pure reads are always auto-approvable.
func HasSideEffects(t string) bool {
	switch t {
	case SendEmail, CreateDraft, CreateMeeting:
		return true
	}
	return false
}

// MessageSummary is the search-result granularity of the transport.
type MessageSummary struct {
	ID             string   `json:"id"`
	ThreadID       string   `json:"thread_id"`
	From           string   `json:"from"`
	To             []string `json:"to,omitempty"`
	CC             []string `json:"cc,omitempty"`
	Date           string   `json:"date"`
	Subject        string   `json:"subject"`
	Snippet        string   `json:"snippet,omitempty"`
	HasAttachments bool     `json:"has_attachments"`
}

// Message is a full message as returned by email_read.
type Message struct {
	MessageSummary
	Body string `json:"body"`
}

// Thread is an ordered set of full messages sharing a thread id.
type Thread struct {
	ID       string    `json:"id"`
	Messages []Message `json:"messages"`
}

type SendEmailArgs struct {
	To      []string `json:"to"`
	CC      []string `json:"cc,omitempty"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
}

type CreateDraftArgs struct {
	To      []string `json:"to"`
	CC      []string `json:"cc,omitempty"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
	ReplyTo string   `json:"reply_to_message_id,omitempty"`
}

type AvailabilityArgs struct {
	Participants []string `json:"participants"`
	WindowStart  string   `json:"window_start"`
	WindowEnd    string   `json:"window_end"`
}

type Slot struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type CreateMeetingArgs struct {
	Title     string   `json:"title"`
	Attendees []string `json:"attendees"`
	Slot      string   `json:"slot"`
	Duration  int      `json:"duration_minutes"`
	Location  string   `json:"location,omitempty"`
}

type MeetingRef struct {
	EventID  string `json:"event_id"`
	JoinLink string `json:"join_link,omitempty"`
}

type ScheduleCheckArgs struct {
	Criteria string `json:"criteria"`
}

type ScheduleCheckResult struct {
	OK    bool   `json:"ok"`
	Slots []Slot `json:"slots,omitempty"`
}

// Dispatcher is the transport contract. Every call is synchronous from the
// engine's point of view; timeouts are the implementation's concern and
// surface as ordinary errors.
type Dispatcher interface {
	EmailSearch(ctx context.Context, query string) ([]MessageSummary, error)
	EmailRead(ctx context.Context, messageID string) (Message, error)
	ThreadGet(ctx context.Context, threadID string) (Thread, error)
	SendEmail(ctx context.Context, args SendEmailArgs) (string, error)
	CreateDraft(ctx context.Context, args CreateDraftArgs) (string, error)
	CalendarAvailability(ctx context.Context, args AvailabilityArgs) ([]Slot, error)
	CreateMeeting(ctx context.Context, args CreateMeetingArgs) (MeetingRef, error)
	ScheduleCheck(ctx context.Context, args ScheduleCheckArgs) (ScheduleCheckResult, error)
}
