package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/deepqueue/internal/storage"
)

const keyPrefix = "research:"

// ErrNotFound is returned when no Research has the requested id.
var ErrNotFound = storage.ErrNotFound

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Store persists Research records in a KV under research:<id>.
type Store struct {
	kv     storage.KV
	clock  Clock
	logger *slog.Logger

	// mu makes Update's read-modify-write atomic within the process.
	mu sync.Mutex
}

func NewStore(kv storage.KV) *Store {
	return NewStoreWithClock(kv, realClock{})
}

// NewStoreWithClock creates a Store with a custom clock (for testing).
func NewStoreWithClock(kv storage.KV, clock Clock) *Store {
	return &Store{kv: kv, clock: clock, logger: slog.Default()}
}

func key(id string) string { return keyPrefix + id }

// Create saves a new pending Research for question.
func (s *Store) Create(ctx context.Context, question, webhookURL string) (Research, error) {
	now := s.clock.Now().UTC()
	r := Research{
		ID:         uuid.New().String(),
		Question:   question,
		Status:     StatusPending,
		WebhookURL: webhookURL,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.Save(ctx, r); err != nil {
		return Research{}, err
	}
	return r, nil
}

// Save writes r as-is, replacing any record with the same id.
func (s *Store) Save(ctx context.Context, r Research) error {
	if r.ID == "" {
		return errors.New("research id is required")
	}
	if err := storage.SetJSON(ctx, s.kv, key(r.ID), r); err != nil {
		return fmt.Errorf("saving research %s: %w", r.ID, err)
	}
	return nil
}

// Get returns the Research with id, or an error wrapping ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (Research, error) {
	var r Research
	if err := storage.GetJSON(ctx, s.kv, key(id), &r); err != nil {
		return Research{}, fmt.Errorf("research %s: %w", id, err)
	}
	return r, nil
}

// List returns every Research, newest first. Undecodable records and
// records without an id are skipped.
func (s *Store) List(ctx context.Context) ([]Research, error) {
	entries, err := s.kv.List(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing researches: %w", err)
	}

	out := make([]Research, 0, len(entries))
	for _, e := range entries {
		var r Research
		if err := json.Unmarshal(e.Value, &r); err != nil {
			s.logger.Warn("skipping undecodable research record", "key", e.Key, "error", err)
			continue
		}
		if r.ID == "" {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Update merges p into the stored record and rewrites UpdatedAt, which is
// always strictly later than the previous value.
func (s *Store) Update(ctx context.Context, id string, p Patch) (Research, error) {
	r, _, err := s.update(ctx, id, p, nil)
	return r, err
}

// Transition is Update guarded by the lifecycle: status never moves
// backwards and a terminal record never moves to a different status. It
// reports whether p was applied; when not, the stored record is returned
// unchanged.
func (s *Store) Transition(ctx context.Context, id string, p Patch) (Research, bool, error) {
	return s.update(ctx, id, p, func(cur Research) bool {
		return p.Status == nil || cur.Status.CanMoveTo(*p.Status)
	})
}

func (s *Store) update(ctx context.Context, id string, p Patch, allow func(Research) bool) (Research, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.Get(ctx, id)
	if err != nil {
		return Research{}, false, err
	}
	if allow != nil && !allow(r) {
		return r, false, nil
	}
	p.apply(&r)

	now := s.clock.Now().UTC()
	if !now.After(r.UpdatedAt) {
		now = r.UpdatedAt.Add(time.Nanosecond)
	}
	r.UpdatedAt = now

	if err := s.Save(ctx, r); err != nil {
		return Research{}, false, err
	}
	return r, true, nil
}

// Stats summarises the store for dashboards.
type Stats struct {
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"byStatus"`
	Recent   []Research     `json:"recent"`
}

// Summarize counts records by status and keeps the limit newest.
func (s *Store) Summarize(ctx context.Context, limit int) (Stats, error) {
	all, err := s.List(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Total: len(all), ByStatus: make(map[Status]int, len(Statuses))}
	for _, status := range Statuses {
		st.ByStatus[status] = 0
	}
	for _, r := range all {
		st.ByStatus[r.Status]++
	}
	if limit < 0 {
		limit = 0
	}
	if limit > len(all) {
		limit = len(all)
	}
	st.Recent = all[:limit]
	return st, nil
}

// Truncate shortens s to at most n runes, appending "..." when cut.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return strings.TrimSpace(string(runes[:n])) + "..."
}
