package events

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestFileLogAppendReplayOrder(t *testing.T) {
	dir := t.TempDir()
	log, err := NewFileLog(dir)
	if err != nil {
		t.Fatalf("new file log: %v", err)
	}
	defer log.Close()
	ctx := context.Background()

	recorder := NewRecorder(log, nil)
	for _, kind := range []string{"created", "funded", "released"} {
		if err := recorder.Record(ctx, EntityEscrow, "e1", kind, map[string]string{"kind": kind}, nil); err != nil {
			t.Fatalf("record %s: %v", kind, err)
		}
	}
	if err := recorder.Record(ctx, EntityEscrow, "e2", "created", nil, nil); err != nil {
		t.Fatalf("record e2: %v", err)
	}

	replayed, err := log.Replay(ctx, EntityEscrow, "e1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(replayed) != 3 {
		t.Fatalf("expected 3 events for e1, got %d", len(replayed))
	}
	for i, kind := range []string{"created", "funded", "released"} {
		if replayed[i].Kind != kind {
			t.Fatalf("event %d out of order: expected %s, got %s", i, kind, replayed[i].Kind)
		}
	}

	other, err := log.Replay(ctx, EntityEscrow, "e2")
	if err != nil {
		t.Fatalf("replay e2: %v", err)
	}
	if len(other) != 1 {
		t.Fatalf("entity streams must not leak into each other: %d", len(other))
	}
}

func TestFileLogRebuildsIndexOnRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	log, err := NewFileLog(dir)
	if err != nil {
		t.Fatalf("new file log: %v", err)
	}
	recorder := NewRecorder(log, nil)
	if err := recorder.Record(ctx, EntityAgent, "a1", "registered", nil, nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := recorder.Record(ctx, EntityAgent, "a1", "deregistered", nil, nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewFileLog(dir)
	if err != nil {
		t.Fatalf("reopen file log: %v", err)
	}
	defer reopened.Close()

	replayed, err := reopened.Replay(ctx, EntityAgent, "a1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(replayed) != 2 || replayed[0].Kind != "registered" || replayed[1].Kind != "deregistered" {
		t.Fatalf("restart lost history: %+v", replayed)
	}
}

func TestFileLogSkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	log, err := NewFileLog(dir)
	if err != nil {
		t.Fatalf("new file log: %v", err)
	}
	recorder := NewRecorder(log, nil)
	if err := recorder.Record(ctx, EntityRoute, "r1", "opened", nil, nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// 模拟进程崩溃留下的半行。
	path := filepath.Join(dir, "events.log")
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	if _, err := file.WriteString(`{"id":"truncat`); err != nil {
		t.Fatalf("write corrupt line: %v", err)
	}
	file.Close()

	reopened, err := NewFileLog(dir)
	if err != nil {
		t.Fatalf("reopen after corruption: %v", err)
	}
	defer reopened.Close()

	replayed, err := reopened.Replay(ctx, EntityRoute, "r1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(replayed) != 1 || replayed[0].Kind != "opened" {
		t.Fatalf("corruption should not drop intact history: %+v", replayed)
	}
}

func TestAppendAfterCloseFails(t *testing.T) {
	log, err := NewFileLog(t.TempDir())
	if err != nil {
		t.Fatalf("new file log: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := log.Append(context.Background(), &Event{Entity: EntityAgent, EntityID: "a1"}); err == nil {
		t.Fatalf("append after close must fail")
	}
}
