package calls

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T, opts ...RegistryOption) *Registry {
	t.Helper()
	return NewRegistry(nil, opts...)
}

func register(t *testing.T, r *Registry, conf, sid string) CallSession {
	t.Helper()
	s, created, err := r.RegisterInboundCall(context.Background(), InboundCall{
		ConferenceName: conf, CallerNumber: "+14155550100", CarrierNumber: "+14155550199", CarrierCallSid: sid, CallToken: "tok",
	})
	if err != nil || !created {
		t.Fatalf("register %s: created=%v err=%v", conf, created, err)
	}
	return s
}

func permutations(in []Status) [][]Status {
	if len(in) <= 1 {
		return [][]Status{append([]Status(nil), in...)}
	}
	var out [][]Status
	for i := range in {
		rest := make([]Status, 0, len(in)-1)
		rest = append(rest, in[:i]...)
		rest = append(rest, in[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]Status{in[i]}, p...))
		}
	}
	return out
}

func TestMarkStatus_AnyOrderEndsAtHighestRank(t *testing.T) {
	ctx := context.Background()
	updates := []Status{StatusInitiated, StatusRinging, StatusInProgress, StatusCompleted}
	for i, order := range permutations(updates) {
		r := newTestRegistry(t)
		conf := "conf-perm"
		register(t, r, conf, "CA1")
		for _, s := range order {
			if _, err := r.MarkStatus(ctx, conf, s); err != nil {
				t.Fatalf("perm %d: mark %s: %v", i, s, err)
			}
		}
		got := r.LookupByConference(conf)
		if !got.Found() || got.Session.Status != StatusCompleted {
			t.Fatalf("perm %d %v: expected completed, got %+v", i, order, got)
		}
	}
}

func TestMarkStatus_ConcurrentWritersNeverRegress(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	register(t, r, "conf-c", "CA2")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		for _, s := range []Status{StatusRinging, StatusInProgress, StatusInitiated, StatusCompleted} {
			wg.Add(1)
			go func(s Status) {
				defer wg.Done()
				_, _ = r.MarkStatus(ctx, "conf-c", s)
			}(s)
		}
	}
	wg.Wait()

	if got := r.LookupByConference("conf-c").Session.Status; got != StatusCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
}

func TestMarkStatus_TerminalRules(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	register(t, r, "conf-t", "CA3")

	if _, err := r.MarkStatus(ctx, "conf-t", StatusTransferred); err != nil {
		t.Fatalf("mark transferred: %v", err)
	}
	upd, _ := r.MarkStatus(ctx, "conf-t", StatusInProgress)
	if upd.Applied || upd.Current != StatusTransferred {
		t.Fatalf("expected in_progress after transfer to be ignored, got %+v", upd)
	}
	upd, _ = r.MarkStatus(ctx, "conf-t", StatusCompleted)
	if !upd.Applied || upd.Previous != StatusTransferred {
		t.Fatalf("expected completed to supersede transferred, got %+v", upd)
	}
	upd, _ = r.MarkStatus(ctx, "conf-t", StatusFailed)
	if !upd.Applied || upd.Current != StatusFailed {
		t.Fatalf("expected later equal-rank terminal write to win, got %+v", upd)
	}
	if _, err := r.MarkStatus(ctx, "conf-t", Status("bogus")); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestRegisterInboundCall_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	first := register(t, r, "conf-i", "CA4")

	again, created, err := r.RegisterInboundCall(ctx, InboundCall{ConferenceName: "conf-i", CarrierCallSid: "CA4"})
	if err != nil || created {
		t.Fatalf("expected existing session, created=%v err=%v", created, err)
	}
	if again.CreatedAt != first.CreatedAt || again.CallToken != "tok" {
		t.Fatalf("expected original session returned, got %+v", again)
	}

	_, _, err = r.RegisterInboundCall(ctx, InboundCall{ConferenceName: "conf-other", CarrierCallSid: "CA4"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict for reused carrier sid, got %v", err)
	}
}

func TestBindModelCallID_OneToOne(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	register(t, r, "conf-a", "CA5")
	register(t, r, "conf-b", "CA6")

	if _, err := r.BindModelCallID(ctx, "conf-a", "rtc_1"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if _, err := r.BindModelCallID(ctx, "conf-a", "rtc_1"); err != nil {
		t.Fatalf("expected rebinding same pair to be a no-op, got %v", err)
	}
	if _, err := r.BindModelCallID(ctx, "conf-b", "rtc_1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict binding call id to second conference, got %v", err)
	}
	if _, err := r.BindModelCallID(ctx, "conf-a", "rtc_2"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict rebinding conference to new call id, got %v", err)
	}

	got := r.LookupByCallID("rtc_1")
	if !got.Found() || got.Session.ConferenceName != "conf-a" {
		t.Fatalf("expected lookup by call id to find conf-a, got %+v", got)
	}
	if _, err := r.BindModelCallID(ctx, "missing", "rtc_3"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestEvict_LeavesStaleTombstoneUntilPruned(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	r := newTestRegistry(t, WithClock(func() time.Time { return now }))
	register(t, r, "conf-e", "CA7")
	if _, err := r.BindModelCallID(ctx, "conf-e", "rtc_e"); err != nil {
		t.Fatalf("bind: %v", err)
	}

	if _, err := r.Evict(ctx, "conf-e"); err != nil {
		t.Fatalf("evict: %v", err)
	}
	for name, got := range map[string]Lookup{
		"conference": r.LookupByConference("conf-e"),
		"call id":    r.LookupByCallID("rtc_e"),
		"carrier":    r.LookupByCarrierSid("CA7"),
	} {
		if got.Kind != LookupStale {
			t.Fatalf("%s: expected stale after eviction, got %v", name, got.Kind)
		}
	}
	if _, err := r.MarkStatus(ctx, "conf-e", StatusCompleted); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected writes to evicted session to fail, got %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("expected no live sessions, got %d", r.Len())
	}

	now = now.Add(time.Hour)
	if n := r.PruneTombstones(30 * time.Minute); n != 1 {
		t.Fatalf("expected 1 tombstone pruned, got %d", n)
	}
	if got := r.LookupByCallID("rtc_e"); got.Kind != LookupNotFound {
		t.Fatalf("expected not found after prune, got %v", got.Kind)
	}
}

func TestTransition_GuardsIdentifiers(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	register(t, r, "conf-x", "CA8")

	s, err := r.Transition(ctx, "conf-x", func(s *CallSession) error {
		s.Bridge = BridgeBridged
		return nil
	})
	if err != nil || s.Bridge != BridgeBridged {
		t.Fatalf("expected bridge update, got %+v err=%v", s, err)
	}
	_, err = r.Transition(ctx, "conf-x", func(s *CallSession) error {
		s.ModelCallID = "sneaky"
		return nil
	})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected identifier change to be rejected, got %v", err)
	}
	if got := r.LookupByConference("conf-x").Session; got.ModelCallID != "" {
		t.Fatalf("expected rejected transition not to be stored, got %+v", got)
	}
}

func TestRegistry_MirrorsAndRestores(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	r := newTestRegistry(t, WithSnapshotStore(store))
	register(t, r, "conf-m", "CA9")
	if _, err := r.BindModelCallID(ctx, "conf-m", "rtc_m"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if _, err := r.MarkStatus(ctx, "conf-m", StatusInProgress); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if got, ok := store.Get("conf-m"); !ok || got.Status != StatusInProgress || got.ModelCallID != "rtc_m" {
		t.Fatalf("expected mirrored session, got %+v ok=%v", got, ok)
	}

	restarted := newTestRegistry(t, WithSnapshotStore(store))
	n, err := restarted.Restore(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 restored session, got %d err=%v", n, err)
	}
	if got := restarted.LookupByCallID("rtc_m"); !got.Found() {
		t.Fatalf("expected restored call id index, got %v", got.Kind)
	}

	if _, err := restarted.Evict(ctx, "conf-m"); err != nil {
		t.Fatalf("evict: %v", err)
	}
	if _, ok := store.Get("conf-m"); ok {
		t.Fatalf("expected mirror entry deleted on evict")
	}
}
