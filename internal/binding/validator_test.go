package binding

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/fedrelay/internal/bus"
	"go.uber.org/zap"
)

func TestValidatorSoftFailure(t *testing.T) {
	svc, db, b := testService(t)
	ctx := context.Background()
	events, unsub := b.Subscribe(bus.KindBindingInvalidated, 10)
	defer unsub()

	bound, err := svc.Create(ctx, CreateRequest{Platform: "discord", RoomID: "r1", ChannelRef: "gone"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Create(ctx, CreateRequest{Platform: "discord", RoomID: "r2", ChannelRef: "ok"}); err != nil {
		t.Fatal(err)
	}
	// Bindings on a platform without a resolver are skipped.
	if _, err := svc.Create(ctx, CreateRequest{Platform: "telegram", RoomID: "r1", ChannelRef: "t1"}); err != nil {
		t.Fatal(err)
	}

	v := NewValidator(svc, "@every 1h", time.Second, zap.NewNop())
	v.Register("discord", func(_ context.Context, ref string) error {
		if ref == "gone" {
			return errors.New("unknown channel")
		}
		return nil
	})
	var observed []bool
	v.OnResult(func(_ string, ok bool) { observed = append(observed, ok) })

	r := v.RunOnce(ctx)
	if r.Checked != 2 || r.Valid != 1 || r.Invalid != 1 || r.Skipped != 1 {
		t.Errorf("report = %+v", r)
	}
	if len(observed) != 2 {
		t.Errorf("observer called %d times, want 2", len(observed))
	}

	got, err := db.GetBinding(ctx, bound.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Valid {
		t.Error("binding should be invalid")
	}
	if !got.Active {
		t.Error("validation failure must leave binding active")
	}

	// Inbound refuses the stale binding; outbound still resolves it.
	if _, err := svc.ResolveInbound(ctx, "discord", "gone"); !errors.Is(err, ErrStale) {
		t.Errorf("ResolveInbound() error = %v, want ErrStale", err)
	}
	if _, err := svc.ResolveOutbound(ctx, "discord", "r1"); err != nil {
		t.Errorf("ResolveOutbound() error = %v", err)
	}

	select {
	case evt := <-events:
		change := evt.Payload.(Change)
		if change.ChannelRef != "gone" || change.To != ActiveInvalid {
			t.Errorf("change = %+v", change)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for binding.invalidated")
	}
}

func TestValidatorRecovers(t *testing.T) {
	svc, _, _ := testService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, CreateRequest{Platform: "discord", RoomID: "r1", ChannelRef: "flaky"}); err != nil {
		t.Fatal(err)
	}
	down := true
	v := NewValidator(svc, "@every 1h", time.Second, nil)
	v.Register("discord", func(context.Context, string) error {
		if down {
			return errors.New("timeout")
		}
		return nil
	})

	v.RunOnce(ctx)
	down = false
	v.RunOnce(ctx)

	if _, err := svc.ResolveInbound(ctx, "discord", "flaky"); err != nil {
		t.Errorf("ResolveInbound() after recovery error = %v", err)
	}
}

func TestValidatorStartRejectsBadSchedule(t *testing.T) {
	svc, _, _ := testService(t)
	v := NewValidator(svc, "not a schedule", time.Second, nil)
	if err := v.Start(); err == nil {
		t.Fatal("Start() expected error")
	}
	v.Stop(context.Background())
}

// TestValidatorLeaveDuringPass: a binding deactivated while its channel is
// being resolved keeps its row untouched and raises no invalidated event.
func TestValidatorLeaveDuringPass(t *testing.T) {
	svc, db, b := testService(t)
	ctx := context.Background()
	events, unsub := b.Subscribe(bus.KindBindingInvalidated, 10)
	defer unsub()

	bound, err := svc.Create(ctx, CreateRequest{Platform: "discord", RoomID: "r1", ChannelRef: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	v := NewValidator(svc, "@every 1h", time.Second, zap.NewNop())
	v.Register("discord", func(ctx context.Context, ref string) error {
		if _, err := svc.Deactivate(ctx, "discord", ref, "u1"); err != nil {
			t.Errorf("Deactivate() error = %v", err)
		}
		return errors.New("unknown channel")
	})
	v.RunOnce(ctx)

	got, err := db.GetBinding(ctx, bound.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Active || !got.Valid {
		t.Errorf("row = active %v valid %v, want inactive and untouched", got.Active, got.Valid)
	}
	select {
	case evt := <-events:
		t.Errorf("unexpected event %+v", evt.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}
