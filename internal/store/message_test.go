package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestInsertMessageAssignsSequence(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	for i, id := range []string{"m1", "m2", "m3"} {
		m := &Message{ID: id, ConversationID: "dm:a:b", SenderID: "a", RecipientID: "b", Text: "hi"}
		if err := db.InsertMessage(ctx, m, nil); err != nil {
			t.Fatal(err)
		}
		if m.Seq != int64(i+1) {
			t.Errorf("%s seq = %d, want %d", id, m.Seq, i+1)
		}
	}

	// Sequences are per conversation.
	other := &Message{ID: "x1", ConversationID: "dm:a:c", SenderID: "a", RecipientID: "c", Text: "yo"}
	if err := db.InsertMessage(ctx, other, nil); err != nil {
		t.Fatal(err)
	}
	if other.Seq != 1 {
		t.Errorf("other conversation seq = %d, want 1", other.Seq)
	}
}

func TestInsertMessageDuplicateTempID(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	first := &Message{ID: "m1", ConversationID: "dm:a:b", SenderID: "a", RecipientID: "b", Text: "hi", TempID: "t1"}
	if err := db.InsertMessage(ctx, first, nil); err != nil {
		t.Fatal(err)
	}
	dup := &Message{ID: "m2", ConversationID: "dm:a:b", SenderID: "a", RecipientID: "b", Text: "hi", TempID: "t1"}
	if err := db.InsertMessage(ctx, dup, nil); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate insert error = %v, want ErrConflict", err)
	}

	// Messages without a temp id never collide.
	for _, id := range []string{"n1", "n2"} {
		if err := db.InsertMessage(ctx, &Message{ID: id, ConversationID: "dm:a:b", SenderID: "a", Text: "x"}, nil); err != nil {
			t.Errorf("insert %s without temp id: %v", id, err)
		}
	}

	got, err := db.GetMessageByTempID(ctx, "a", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "m1" {
		t.Errorf("GetMessageByTempID() id = %q, want m1", got.ID)
	}
}

func TestUpdateMessageContent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	m := &Message{ID: "m1", ConversationID: "dm:a:b", SenderID: "a", Text: "hi"}
	if err := db.InsertMessage(ctx, m, nil); err != nil {
		t.Fatal(err)
	}
	m.Attachments = []string{"file://1"}
	m.Payload = json.RawMessage(`{"kind":"poll"}`)
	if err := db.UpdateMessageContent(ctx, m); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Attachments) != 1 || got.Attachments[0] != "file://1" {
		t.Errorf("Attachments = %v", got.Attachments)
	}
	if string(got.Payload) != `{"kind":"poll"}` {
		t.Errorf("Payload = %s", got.Payload)
	}
}

func TestMarkConversationSeen(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	msgs := []*Message{
		{ID: "m1", ConversationID: "room:r", SenderID: "a", Text: "1"},
		{ID: "m2", ConversationID: "room:r", SenderID: "b", Text: "2"},
		{ID: "m3", ConversationID: "room:r", SenderID: "c", Text: "3"},
	}
	for _, m := range msgs {
		if err := db.InsertMessage(ctx, m, nil); err != nil {
			t.Fatal(err)
		}
	}

	senders, err := db.MarkConversationSeen(ctx, "room:r", "c")
	if err != nil {
		t.Fatal(err)
	}
	if len(senders) != 2 || senders[0] != "a" || senders[1] != "b" {
		t.Errorf("senders = %v, want [a b]", senders)
	}

	// Second call flips nothing.
	senders, err = db.MarkConversationSeen(ctx, "room:r", "c")
	if err != nil {
		t.Fatal(err)
	}
	if len(senders) != 0 {
		t.Errorf("second call senders = %v, want none", senders)
	}

	own, _ := db.GetMessage(ctx, "m3")
	if own.Seen {
		t.Error("reader's own message must stay unseen")
	}
}

func TestListMessagesHidesDeletedForSelf(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	for _, id := range []string{"m1", "m2", "m3", "m4"} {
		if err := db.InsertMessage(ctx, &Message{ID: id, ConversationID: "dm:a:b", SenderID: "a", Text: id}, nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.HideMessageFor(ctx, "m3", "b"); err != nil {
		t.Fatal(err)
	}
	if err := db.HideMessageFor(ctx, "m3", "b"); err != nil {
		t.Fatalf("repeat HideMessageFor() error = %v", err)
	}

	page, err := db.ListMessages(ctx, "dm:a:b", "b", 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ID != "m4" || page[1].ID != "m2" {
		t.Fatalf("first page = %v, want [m4 m2]", ids(page))
	}

	next, err := db.ListMessages(ctx, "dm:a:b", "b", page[1].Seq, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(next) != 1 || next[0].ID != "m1" {
		t.Errorf("second page = %v, want [m1]", ids(next))
	}

	// The other participant still sees m3.
	all, _ := db.ListMessages(ctx, "dm:a:b", "a", 0, 10)
	if len(all) != 4 {
		t.Errorf("sender sees %d messages, want 4", len(all))
	}
}

func TestDeleteMessageForEveryone(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	m := &Message{ID: "m1", ConversationID: "dm:a:b", SenderID: "a", Text: "x", Attachments: []string{"f1"}}
	if err := db.InsertMessage(ctx, m, nil); err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteMessageForEveryone(ctx, "m1"); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetMessage(ctx, "m1")
	if !got.DeletedForEveryone || len(got.Attachments) != 0 {
		t.Errorf("got %+v, want tombstone without attachments", got)
	}
	if err := db.DeleteMessageForEveryone(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing delete error = %v, want ErrNotFound", err)
	}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
