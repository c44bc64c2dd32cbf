// Package snapshot reduces raw email threads to privacy-minimal views.
// Snapshots carry headers and bounded excerpts only; full bodies and
// attachment contents never cross this boundary because snapshots feed the
// intent classifier and plan-card previews.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"mailpilot/internal/domain"
	"mailpilot/internal/tools"
)

// ErrThreadNotFound means the thread id did not resolve. Callers degrade by
// omitting the thread rather than aborting the turn.
var ErrThreadNotFound = errors.New("thread not found")

// Source yields raw threads. Implementations must return ErrThreadNotFound
// (possibly wrapped) for unknown ids.
type Source interface {
	ThreadGet(ctx context.Context, threadID string) (tools.Thread, error)
}

type Builder struct {
	Source       Source
	ExcerptChars int
	MaxMessages  int
	Now          func() time.Time
}

func New(src Source, excerptChars, maxMessages int) Builder {
	return Builder{
		Source:       src,
		ExcerptChars: excerptChars,
		MaxMessages:  maxMessages,
		Now:          time.Now,
	}
}

func (b Builder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// Build fetches the thread and reduces it. Given an unchanged thread the
// output is identical apart from RebuiltAt.
func (b Builder) Build(ctx context.Context, threadID string) (domain.ThreadSnapshot, error) {
	if threadID == "" {
		return domain.ThreadSnapshot{}, fmt.Errorf("thread id required: %w", ErrThreadNotFound)
	}
	thread, err := b.Source.ThreadGet(ctx, threadID)
	if err != nil {
		return domain.ThreadSnapshot{}, fmt.Errorf("fetch thread %s: %w", threadID, err)
	}
	msgs := thread.Messages
	if b.MaxMessages > 0 && len(msgs) > b.MaxMessages {
		// keep the most recent window
		msgs = msgs[len(msgs)-b.MaxMessages:]
	}
	snap := domain.ThreadSnapshot{
		ThreadID:  threadID,
		RebuiltAt: b.now().UTC().Format(time.RFC3339),
	}
	for _, m := range msgs {
		snap.MessageIDs = append(snap.MessageIDs, m.ID)
		snap.Messages = append(snap.Messages, domain.ThreadMessage{
			ID:             m.ID,
			From:           m.From,
			To:             append([]string(nil), m.To...),
			CC:             append([]string(nil), m.CC...),
			Date:           m.Date,
			Subject:        m.Subject,
			HasAttachments: m.HasAttachments,
			BodyExcerpt:    Excerpt(m.Body, b.ExcerptChars),
		})
	}
	if n := len(snap.Messages); n > 0 {
		last := snap.Messages[n-1]
		snap.LatestID = last.ID
		snap.LatestDate = last.Date
	}
	return snap, nil
}

// Excerpt collapses whitespace and caps the result at budget runes.
func Excerpt(body string, budget int) string {
	collapsed := strings.Join(strings.Fields(body), " ")
	if budget <= 0 || utf8.RuneCountInString(collapsed) <= budget {
		return collapsed
	}
	runes := []rune(collapsed)
	return strings.TrimRight(string(runes[:budget]), " ") + "…"
}
