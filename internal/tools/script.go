package tools

import (
	"context"
	"fmt"
	"sync"
)

// Script is a deterministic Dispatcher for tests and dry runs. Results are
// queued per tool type and consumed in order; an exhausted queue falls back
// to the Default response for that tool, or an error when none is set.
type Script struct {
	mu       sync.Mutex
	queues   map[string][]scriptResult
	defaults map[string]scriptResult
	Calls    []ScriptCall
}

type ScriptCall struct {
	Tool string
	Args any
}

type scriptResult struct {
	value any
	err   error
}

func NewScript() *Script {
	return &Script{
		queues:   map[string][]scriptResult{},
		defaults: map[string]scriptResult{},
	}
}

// Queue enqueues one successful result for a tool.
func (s *Script) Queue(tool string, value any) *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[tool] = append(s.queues[tool], scriptResult{value: value})
	return s
}

// QueueError enqueues one failure for a tool.
func (s *Script) QueueError(tool string, err error) *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[tool] = append(s.queues[tool], scriptResult{err: err})
	return s
}

// Default sets the fallback result for a tool once its queue is drained.
func (s *Script) Default(tool string, value any) *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaults[tool] = scriptResult{value: value}
	return s
}

func (s *Script) next(tool string, args any) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, ScriptCall{Tool: tool, Args: args})
	if q := s.queues[tool]; len(q) > 0 {
		s.queues[tool] = q[1:]
		return q[0].value, q[0].err
	}
	if d, ok := s.defaults[tool]; ok {
		return d.value, d.err
	}
	return nil, fmt.Errorf("no scripted result for %s", tool)
}

func (s *Script) EmailSearch(ctx context.Context, query string) ([]MessageSummary, error) {
	v, err := s.next(EmailSearch, query)
	if err != nil {
		return nil, err
	}
	res, _ := v.([]MessageSummary)
	return res, nil
}

func (s *Script) EmailRead(ctx context.Context, messageID string) (Message, error) {
	v, err := s.next(EmailRead, messageID)
	if err != nil {
		return Message{}, err
	}
	res, _ := v.(Message)
	return res, nil
}

func (s *Script) ThreadGet(ctx context.Context, threadID string) (Thread, error) {
	v, err := s.next("thread_get", threadID)
	if err != nil {
		return Thread{}, err
	}
	res, _ := v.(Thread)
	return res, nil
}

func (s *Script) SendEmail(ctx context.Context, args SendEmailArgs) (string, error) {
	v, err := s.next(SendEmail, args)
	if err != nil {
		return "", err
	}
	res, _ := v.(string)
	return res, nil
}

func (s *Script) CreateDraft(ctx context.Context, args CreateDraftArgs) (string, error) {
	v, err := s.next(CreateDraft, args)
	if err != nil {
		return "", err
	}
	res, _ := v.(string)
	return res, nil
}

func (s *Script) CalendarAvailability(ctx context.Context, args AvailabilityArgs) ([]Slot, error) {
	v, err := s.next(CalendarAvailability, args)
	if err != nil {
		return nil, err
	}
	res, _ := v.([]Slot)
	return res, nil
}

func (s *Script) CreateMeeting(ctx context.Context, args CreateMeetingArgs) (MeetingRef, error) {
	v, err := s.next(CreateMeeting, args)
	if err != nil {
		return MeetingRef{}, err
	}
	res, _ := v.(MeetingRef)
	return res, nil
}

func (s *Script) ScheduleCheck(ctx context.Context, args ScheduleCheckArgs) (ScheduleCheckResult, error) {
	v, err := s.next(ScheduleCheck, args)
	if err != nil {
		return ScheduleCheckResult{}, err
	}
	res, _ := v.(ScheduleCheckResult)
	return res, nil
}
