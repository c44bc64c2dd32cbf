package snapshot_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"mailpilot/internal/snapshot"
	"mailpilot/internal/tools"
)

func fixedNow() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func scriptedThread(msgs ...tools.Message) *tools.Script {
	s := tools.NewScript()
	s.Default("thread_get", tools.Thread{ID: "t-1", Messages: msgs})
	return s
}

func msg(id, from, body string) tools.Message {
	return tools.Message{
		MessageSummary: tools.MessageSummary{
			ID:      id,
			From:    from,
			Date:    "2026-02-28T10:00:00Z",
			Subject: "Project update",
		},
		Body: body,
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	src := scriptedThread(msg("m1", "a@x.com", "hello"), msg("m2", "b@x.com", "world"))
	b := snapshot.New(src, 280, 20)
	b.Now = fixedNow
	first, err := b.Build(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	second, err := b.Build(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("snapshots differ for unchanged thread:\n%+v\n%+v", first, second)
	}
	if first.LatestID != "m2" {
		t.Fatalf("latest id = %q", first.LatestID)
	}
	if len(first.MessageIDs) != 2 {
		t.Fatalf("message ids = %v", first.MessageIDs)
	}
}

func TestBuildKeepsMostRecentWindow(t *testing.T) {
	var msgs []tools.Message
	for i := 0; i < 30; i++ {
		msgs = append(msgs, msg(fmt.Sprintf("m%02d", i), "a@x.com", "body"))
	}
	b := snapshot.New(scriptedThread(msgs...), 280, 20)
	b.Now = fixedNow
	snap, err := b.Build(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(snap.Messages) != 20 {
		t.Fatalf("messages = %d, want 20", len(snap.Messages))
	}
	if snap.Messages[0].ID != "m10" || snap.LatestID != "m29" {
		t.Fatalf("wrong window: first %s latest %s", snap.Messages[0].ID, snap.LatestID)
	}
}

func TestBuildMissingThread(t *testing.T) {
	src := tools.NewScript()
	src.QueueError("thread_get", fmt.Errorf("lookup: %w", snapshot.ErrThreadNotFound))
	b := snapshot.New(src, 280, 20)
	_, err := b.Build(context.Background(), "gone")
	if !errors.Is(err, snapshot.ErrThreadNotFound) {
		t.Fatalf("err = %v, want ErrThreadNotFound", err)
	}
}

func TestExcerptCollapsesAndCaps(t *testing.T) {
	got := snapshot.Excerpt("  hello \n\n world\t again ", 280)
	if got != "hello world again" {
		t.Fatalf("excerpt = %q", got)
	}
	long := strings.Repeat("word ", 100)
	capped := snapshot.Excerpt(long, 20)
	if utf8.RuneCountInString(capped) > 21 { // budget plus ellipsis
		t.Fatalf("excerpt too long: %d runes", utf8.RuneCountInString(capped))
	}
	if !strings.HasSuffix(capped, "…") {
		t.Fatalf("expected truncation marker: %q", capped)
	}
}

func TestExcerptBoundsFullBody(t *testing.T) {
	body := strings.Repeat("sensitive ", 500)
	b := snapshot.New(scriptedThread(msg("m1", "a@x.com", body)), 280, 20)
	b.Now = fixedNow
	snap, err := b.Build(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if n := utf8.RuneCountInString(snap.Messages[0].BodyExcerpt); n > 281 {
		t.Fatalf("excerpt leaked full body: %d runes", n)
	}
}
