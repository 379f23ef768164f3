package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRelayOutboxQueuedWithMessage(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	mustRoom(t, db, "r1")

	m := &Message{ID: "m1", ConversationID: "room:r1", SenderID: "u1", RoomID: "r1", Text: "hi"}
	entry := &RelayEntry{CorrelationID: "corr-1", RoomID: "r1", Payload: []byte(`{"text":"hi"}`)}
	if err := db.InsertMessage(ctx, m, entry); err != nil {
		t.Fatal(err)
	}

	claimed, err := db.ClaimRelays(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed %d entries, want 1", len(claimed))
	}
	if claimed[0].MessageID != "m1" || claimed[0].Status != RelayRunning {
		t.Errorf("claimed = %+v", claimed[0])
	}

	// A claimed entry is never handed out twice.
	again, _ := db.ClaimRelays(ctx, 10)
	if len(again) != 0 {
		t.Errorf("second claim returned %d entries", len(again))
	}

	if err := db.MarkRelayDone(ctx, claimed[0].ID, 2, 1); err != nil {
		t.Fatal(err)
	}
	got, err := db.RelayEntryByCorrelation(ctx, "corr-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != RelayDone || got.Succeeded != 2 || got.Failed != 1 {
		t.Errorf("entry = %+v", got)
	}
}

func TestRelayOutboxRollsBackWithMessage(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.QueueRelay(ctx, &RelayEntry{CorrelationID: "dup", RoomID: "r1", Payload: []byte(`{}`)}); err != nil {
		t.Fatal(err)
	}
	m := &Message{ID: "m1", ConversationID: "room:r1", SenderID: "u1", Text: "hi"}
	err := db.InsertMessage(ctx, m, &RelayEntry{CorrelationID: "dup", RoomID: "r1", Payload: []byte(`{}`)})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("InsertMessage() error = %v, want ErrConflict", err)
	}
	if _, err := db.GetMessage(ctx, "m1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("message persisted despite outbox failure: %v", err)
	}
}

func TestFailInterruptedRelays(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.QueueRelay(ctx, &RelayEntry{CorrelationID: "c1", RoomID: "r1", Payload: []byte(`{}`)}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.ClaimRelays(ctx, 1); err != nil {
		t.Fatal(err)
	}
	n, err := db.FailInterruptedRelays(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("FailInterruptedRelays() = %d, want 1", n)
	}
	got, _ := db.RelayEntryByCorrelation(ctx, "c1")
	if got.Status != RelayFailed {
		t.Errorf("status = %q, want %q", got.Status, RelayFailed)
	}
}

func TestMarkRelaySeen(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	first, err := db.MarkRelaySeen(ctx, "discord", "corr")
	if err != nil {
		t.Fatal(err)
	}
	if !first {
		t.Error("first MarkRelaySeen() = false, want true")
	}
	repeat, _ := db.MarkRelaySeen(ctx, "discord", "corr")
	if repeat {
		t.Error("repeat MarkRelaySeen() = true, want false")
	}
	// Dedupe is scoped per platform.
	other, _ := db.MarkRelaySeen(ctx, "telegram", "corr")
	if !other {
		t.Error("other platform should see the id for the first time")
	}

	n, err := db.PruneRelaySeen(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("pruned %d rows, want 2", n)
	}
}
