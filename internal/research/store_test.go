package research

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/deepqueue/internal/storage"
)

// fakeClock returns a fixed time until advanced.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)}
	return NewStoreWithClock(storage.NewMemory(), clock), clock
}

func TestCreateAndGet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	r, err := s.Create(ctx, "Why is the sky blue?", "https://app/api/webhooks/openai")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if r.ID == "" {
		t.Fatal("Create returned empty id")
	}
	if r.Status != StatusPending {
		t.Errorf("Status = %q, want %q", r.Status, StatusPending)
	}

	got, err := s.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Question != "Why is the sky blue?" || got.WebhookURL != "https://app/api/webhooks/openai" {
		t.Errorf("Get = %+v", got)
	}
	if !got.CreatedAt.Equal(r.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, r.CreatedAt)
	}
}

func TestGetNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestUpdateNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Update(context.Background(), "missing", Patch{Status: Ptr(StatusCompleted)})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Update(missing) error = %v, want ErrNotFound", err)
	}
}

func TestUpdateMergesPatch(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	r, _ := s.Create(ctx, "q", "")

	clock.Advance(time.Second)
	got, err := s.Update(ctx, r.ID, Patch{
		Status:        Ptr(StatusCompleted),
		Result:        Ptr(`{"id":"resp_1"}`),
		UpstreamJobID: Ptr("resp_1"),
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Status != StatusCompleted || got.Result != `{"id":"resp_1"}` || got.UpstreamJobID != "resp_1" {
		t.Errorf("Update = %+v", got)
	}
	if got.Question != "q" {
		t.Errorf("Question = %q, want unchanged", got.Question)
	}
	if got.Error != "" {
		t.Errorf("Error = %q, want empty", got.Error)
	}

	stored, _ := s.Get(ctx, r.ID)
	if stored.Status != StatusCompleted {
		t.Errorf("stored Status = %q", stored.Status)
	}
}

func TestUpdatedAtStrictlyIncreasesWithFrozenClock(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	r, _ := s.Create(ctx, "q", "")

	prev := r.UpdatedAt
	for i := 0; i < 5; i++ {
		got, err := s.Update(ctx, r.ID, Patch{})
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
		if !got.UpdatedAt.After(prev) {
			t.Fatalf("UpdatedAt %v not after %v", got.UpdatedAt, prev)
		}
		prev = got.UpdatedAt

		// Round-trip through storage keeps nanosecond precision.
		stored, _ := s.Get(ctx, r.ID)
		if !stored.UpdatedAt.Equal(got.UpdatedAt) {
			t.Fatalf("stored UpdatedAt %v, want %v", stored.UpdatedAt, got.UpdatedAt)
		}
	}
}

func TestUpdatedAtStrictlyIncreasesWhenClockGoesBack(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	r, _ := s.Create(ctx, "q", "")

	clock.Advance(-time.Hour)
	got, err := s.Update(ctx, r.ID, Patch{Status: Ptr(StatusProcessing)})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !got.UpdatedAt.After(r.UpdatedAt) {
		t.Errorf("UpdatedAt %v not after %v", got.UpdatedAt, r.UpdatedAt)
	}
}

func TestTransitionTerminalGuard(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	r, _ := s.Create(ctx, "q", "")

	done, applied, err := s.Transition(ctx, r.ID, Patch{Status: Ptr(StatusCompleted), Result: Ptr("ok")})
	if err != nil || !applied {
		t.Fatalf("Transition to completed: applied=%v err=%v", applied, err)
	}

	// Same terminal status re-applies.
	_, applied, err = s.Transition(ctx, r.ID, Patch{Status: Ptr(StatusCompleted), Result: Ptr("ok")})
	if err != nil || !applied {
		t.Errorf("re-applying completed: applied=%v err=%v", applied, err)
	}

	// A different terminal status is refused and nothing changes.
	got, applied, err := s.Transition(ctx, r.ID, Patch{Status: Ptr(StatusFailed), Error: Ptr("boom")})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if applied {
		t.Error("completed research moved to failed")
	}
	if got.Status != StatusCompleted || got.Error != "" {
		t.Errorf("record changed: %+v", got)
	}
	stored, _ := s.Get(ctx, r.ID)
	if stored.Status != StatusCompleted || stored.Result != done.Result {
		t.Errorf("stored record changed: %+v", stored)
	}
}

func TestTransitionNeverMovesBackwards(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	r, _ := s.Create(ctx, "q", "")

	if _, applied, err := s.Transition(ctx, r.ID, Patch{Status: Ptr(StatusProcessing)}); err != nil || !applied {
		t.Fatalf("pending to processing: applied=%v err=%v", applied, err)
	}
	got, applied, err := s.Transition(ctx, r.ID, Patch{Status: Ptr(StatusPending)})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if applied || got.Status != StatusProcessing {
		t.Errorf("processing moved back: applied=%v status=%q", applied, got.Status)
	}

	if _, _, err := s.Transition(ctx, r.ID, Patch{Status: Ptr(StatusFailed), Error: Ptr("boom")}); err != nil {
		t.Fatal(err)
	}
	got, applied, _ = s.Transition(ctx, r.ID, Patch{Status: Ptr(StatusProcessing)})
	if applied || got.Status != StatusFailed {
		t.Errorf("failed moved back to processing: applied=%v status=%q", applied, got.Status)
	}
}

func TestStatusCanMoveTo(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusCompleted, true},
		{StatusProcessing, StatusIncomplete, true},
		{StatusProcessing, StatusProcessing, true},
		{StatusProcessing, StatusPending, false},
		{StatusCompleted, StatusCompleted, true},
		{StatusCompleted, StatusFailed, false},
		{StatusCancelled, StatusProcessing, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanMoveTo(tt.to); got != tt.want {
			t.Errorf("%s.CanMoveTo(%s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestListNewestFirstSkipsBadRecords(t *testing.T) {
	kv := storage.NewMemory()
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewStoreWithClock(kv, clock)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		r, err := s.Create(ctx, fmt.Sprintf("q%d", i), "")
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, r.ID)
		clock.Advance(time.Minute)
	}
	kv.Set(ctx, "research:broken", []byte("{"))
	kv.Set(ctx, "research:noid", []byte(`{"question":"orphan"}`))
	kv.Set(ctx, "hookdeck:connections", []byte(`{}`))

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("List returned %d records, want 3", len(list))
	}
	for i, want := range []string{ids[2], ids[1], ids[0]} {
		if list[i].ID != want {
			t.Errorf("list[%d].ID = %s, want %s", i, list[i].ID, want)
		}
	}
}

func TestListEmpty(t *testing.T) {
	s, _ := newTestStore(t)
	list, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if list == nil || len(list) != 0 {
		t.Errorf("List = %#v, want empty non-nil", list)
	}
}

func TestSummarize(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		r, _ := s.Create(ctx, fmt.Sprintf("q%d", i), "")
		if i%2 == 0 {
			s.Update(ctx, r.ID, Patch{Status: Ptr(StatusCompleted)})
		}
		clock.Advance(time.Second)
	}

	st, err := s.Summarize(ctx, 5)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if st.Total != 7 {
		t.Errorf("Total = %d, want 7", st.Total)
	}
	if st.ByStatus[StatusCompleted] != 4 || st.ByStatus[StatusPending] != 3 {
		t.Errorf("ByStatus = %v", st.ByStatus)
	}
	if _, ok := st.ByStatus[StatusIncomplete]; !ok {
		t.Error("ByStatus should list every status")
	}
	if len(st.Recent) != 5 || st.Recent[0].Question != "q6" {
		t.Errorf("Recent = %+v", st.Recent)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"hello world", 5, "hello..."},
		{"héllo", 2, "hé..."},
		{"x", 0, ""},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusIncomplete} {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusProcessing} {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true", s)
		}
	}
}
