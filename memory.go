package main

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// sessionStore is the append-only per-user message and weight log. Message
// retention is enforced by AddMessage itself: after every insert at most the
// configured number of messages remain for that user. Writes for one user are
// serialised by every implementation.
type sessionStore interface {
	AddMessage(ctx context.Context, userID, role, text string) (message, error)
	// LastMessages returns up to limit most recent messages, oldest first.
	LastMessages(ctx context.Context, userID string, limit int) ([]message, error)
	// LogWeight appends an entry and returns it together with the weight of
	// the latest entry that existed before it (nil for the first one).
	LogWeight(ctx context.Context, userID string, date time.Time, weightKG float64) (weightEntry, *float64, error)
	// LastWeight returns the latest entry by date, or nil when there is none.
	LastWeight(ctx context.Context, userID string) (*weightEntry, error)
	// WeightHistory returns up to limit most recent entries, oldest first.
	WeightHistory(ctx context.Context, userID string, limit int) ([]weightEntry, error)
	Health(ctx context.Context) map[string]string
	Close() error
}

const (
	defaultMessageRetention = 10
	defaultMaxTrackedUsers  = 10000
)

/* ─── Per-user locking ───────────────────────────────────────────────── */

// userLocks hands out one mutex per user id. Entries are reference counted
// and dropped once no goroutine holds or waits on them.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*userLock)}
}

// lock blocks until the caller holds userID's mutex and returns the unlock func.
func (l *userLocks) lock(userID string) (unlock func()) {
	l.mu.Lock()
	ul, ok := l.locks[userID]
	if !ok {
		ul = &userLock{}
		l.locks[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.mu.Lock()
	return func() {
		ul.mu.Unlock()
		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.locks, userID)
		}
		l.mu.Unlock()
	}
}

/* ─── In-process store ───────────────────────────────────────────────── */

// userHistory is one user's log in the in-process store.
type userHistory struct {
	messages []message
	weights  []weightEntry
}

// memoryStore keeps logs in process. The number of tracked users is bounded
// by an LRU; the least recently active user's history is dropped first.
type memoryStore struct {
	retention int
	locks     *userLocks

	mu     sync.Mutex // guards get-or-create on users and nextID
	users  *lru.Cache[string, *userHistory]
	nextID int64
}

func newMemoryStore(retention, maxUsers int) (*memoryStore, error) {
	if retention <= 0 {
		retention = defaultMessageRetention
	}
	if maxUsers <= 0 {
		maxUsers = defaultMaxTrackedUsers
	}
	users, err := lru.New[string, *userHistory](maxUsers)
	if err != nil {
		return nil, fmt.Errorf("create user cache: %w", err)
	}
	return &memoryStore{retention: retention, locks: newUserLocks(), users: users}, nil
}

// history returns the user's log, creating it on first use, plus a fresh id.
func (s *memoryStore) history(userID string) (*userHistory, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	h, ok := s.users.Get(userID)
	if !ok {
		h = &userHistory{}
		s.users.Add(userID, h)
	}
	return h, s.nextID
}

func (s *memoryStore) AddMessage(_ context.Context, userID, role, text string) (message, error) {
	unlock := s.locks.lock(userID)
	defer unlock()

	h, id := s.history(userID)
	m := message{ID: id, UserID: userID, Role: role, Text: text, TS: time.Now().UTC()}
	h.messages = append(h.messages, m)
	if over := len(h.messages) - s.retention; over > 0 {
		h.messages = slices.Delete(h.messages, 0, over)
	}
	return m, nil
}

func (s *memoryStore) LastMessages(_ context.Context, userID string, limit int) ([]message, error) {
	unlock := s.locks.lock(userID)
	defer unlock()

	h, ok := s.users.Get(userID)
	if !ok {
		return []message{}, nil
	}
	return lastN(h.messages, limit), nil
}

func (s *memoryStore) LogWeight(_ context.Context, userID string, date time.Time, weightKG float64) (weightEntry, *float64, error) {
	unlock := s.locks.lock(userID)
	defer unlock()

	h, id := s.history(userID)
	var prev *float64
	if last := latestByDate(h.weights); last != nil {
		w := last.WeightKG
		prev = &w
	}
	now := time.Now().UTC()
	e := weightEntry{ID: id, UserID: userID, Date: DateOnly{date}, WeightKG: weightKG, CreatedAt: &now}
	h.weights = append(h.weights, e)
	return e, prev, nil
}

func (s *memoryStore) LastWeight(_ context.Context, userID string) (*weightEntry, error) {
	unlock := s.locks.lock(userID)
	defer unlock()

	h, ok := s.users.Get(userID)
	if !ok {
		return nil, nil
	}
	return latestByDate(h.weights), nil
}

func (s *memoryStore) WeightHistory(_ context.Context, userID string, limit int) ([]weightEntry, error) {
	unlock := s.locks.lock(userID)
	defer unlock()

	h, ok := s.users.Get(userID)
	if !ok {
		return []weightEntry{}, nil
	}
	sorted := slices.Clone(h.weights)
	// Stable so same-date entries keep insertion order.
	slices.SortStableFunc(sorted, func(a, b weightEntry) int { return a.Date.Compare(b.Date.Time) })
	return lastN(sorted, limit), nil
}

func (s *memoryStore) Health(context.Context) map[string]string {
	return map[string]string{
		"status":        "up",
		"backend":       "memory",
		"tracked_users": fmt.Sprint(s.users.Len()),
	}
}

func (s *memoryStore) Close() error {
	s.users.Purge()
	return nil
}

// latestByDate returns the entry with the greatest date; among equal dates the
// one inserted last wins. Returns nil for an empty slice.
func latestByDate(entries []weightEntry) *weightEntry {
	var latest *weightEntry
	for i := range entries {
		if latest == nil || !entries[i].Date.Before(latest.Date.Time) {
			latest = &entries[i]
		}
	}
	if latest == nil {
		return nil
	}
	e := *latest
	return &e
}

// lastN returns a copy of the last n elements (all of them when n <= 0 or
// n exceeds the length), preserving order.
func lastN[T any](items []T, n int) []T {
	if n <= 0 || n > len(items) {
		n = len(items)
	}
	out := make([]T, n)
	copy(out, items[len(items)-n:])
	return out
}
