package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type entry struct {
	handler   string
	status    Status
	result    json.RawMessage
	updatedAt time.Time
	abandoned bool
}

// memDB interprets the inbox statements against a map
type memDB struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func newMemDB() *memDB { return &memDB{entries: make(map[string]*entry)} }

type scanFunc func(dest ...any) error

func (f scanFunc) Scan(dest ...any) error { return f(dest...) }

func (m *memDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := args[0].(string)

	switch {
	case strings.Contains(sql, "INSERT INTO request_inbox"):
		e, ok := m.entries[key]
		if !ok {
			m.entries[key] = &entry{handler: args[1].(string), status: StatusStarted, updatedAt: time.Now()}
			return scanFunc(func(dest ...any) error { *dest[0].(*bool) = false; return nil })
		}
		if e.status == StatusRecoverable || (e.status == StatusStarted && e.abandoned) {
			e.status, e.abandoned = StatusStarted, false
			return scanFunc(func(dest ...any) error { *dest[0].(*bool) = true; return nil })
		}
		return scanFunc(func(dest ...any) error { return pgx.ErrNoRows })

	case strings.Contains(sql, "SELECT"):
		e, ok := m.entries[key]
		if !ok {
			return scanFunc(func(dest ...any) error { return pgx.ErrNoRows })
		}
		snapshot := *e
		return scanFunc(func(dest ...any) error {
			*dest[0].(*string) = key
			*dest[1].(*string) = snapshot.handler
			*dest[2].(*Status) = snapshot.status
			*dest[3].(*json.RawMessage) = snapshot.result
			*dest[4].(*time.Time) = snapshot.updatedAt
			return nil
		})
	}
	return scanFunc(func(dest ...any) error { return errors.New("unexpected query") })
}

func (m *memDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if err := ctx.Err(); err != nil {
		return pgconn.CommandTag{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if strings.Contains(sql, "UPDATE request_inbox") {
		e := m.entries[args[2].(string)]
		e.status = args[0].(Status)
		e.result = args[1].(json.RawMessage)
		e.updatedAt = time.Now()
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}
	return pgconn.NewCommandTag("DELETE 0"), nil
}

func TestProcess_ReplaysFinishedResult(t *testing.T) {
	inbox := NewInbox(newMemDB(), DefaultInboxConfig(), nil)
	calls := 0
	fn := func(ctx context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"id":"adm-1"}`), nil
	}

	first, err := inbox.Process(context.Background(), "k", "record_administration", fn)
	if err != nil || first.Replayed {
		t.Fatalf("unexpected first result %+v err %v", first, err)
	}
	second, err := inbox.Process(context.Background(), "k", "record_administration", fn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !second.Replayed || string(second.Result) != `{"id":"adm-1"}` {
		t.Errorf("expected stored result to be replayed, got %+v", second)
	}
	if calls != 1 {
		t.Errorf("expected one write, got %d", calls)
	}
}

func TestProcess_ReleasedAfterCallerLeaves(t *testing.T) {
	inbox := NewInbox(newMemDB(), DefaultInboxConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := inbox.Process(ctx, "k", "h", func(ctx context.Context) (json.RawMessage, error) {
		cancel()
		return nil, ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}

	res, err := inbox.Process(context.Background(), "k", "h", func(ctx context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	if err != nil {
		t.Fatalf("expected the key to be released, got %v", err)
	}
	if !res.WasRecovered {
		t.Errorf("expected a recovered run, got %+v", res)
	}
}

func TestProcess_FailureIsRetried(t *testing.T) {
	inbox := NewInbox(newMemDB(), DefaultInboxConfig(), nil)
	boom := errors.New("backend unavailable")

	_, err := inbox.Process(context.Background(), "k", "h", func(ctx context.Context) (json.RawMessage, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}

	res, err := inbox.Process(context.Background(), "k", "h", func(ctx context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	if err != nil || res.Replayed || !res.WasRecovered {
		t.Errorf("expected the retry to run, got %+v err %v", res, err)
	}
}

func TestProcess_InProgress(t *testing.T) {
	db := newMemDB()
	db.entries["k"] = &entry{status: StatusStarted, updatedAt: time.Now()}
	inbox := NewInbox(db, DefaultInboxConfig(), nil)

	_, err := inbox.Process(context.Background(), "k", "h", func(ctx context.Context) (json.RawMessage, error) {
		t.Fatal("must not run while another request owns the key")
		return nil, nil
	})
	if !errors.Is(err, ErrInProgress) {
		t.Errorf("expected ErrInProgress, got %v", err)
	}

	db.entries["k"].abandoned = true
	res, err := inbox.Process(context.Background(), "k", "h", func(ctx context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	if err != nil || !res.WasRecovered {
		t.Errorf("expected abandoned entry to be taken over, got %+v err %v", res, err)
	}
}

func TestGenerateKey(t *testing.T) {
	at := time.Date(2026, 10, 2, 9, 0, 10, 0, time.UTC)
	a := GenerateKey("p-1", "rx-1", at)
	b := GenerateKey("p-1", "rx-1", at.Add(30*time.Second))
	c := GenerateKey("p-1", "rx-2", at)

	if a != b {
		t.Error("expected the same minute to produce the same key")
	}
	if a == c {
		t.Error("expected different prescriptions to produce different keys")
	}
	if len(a) != 64 {
		t.Errorf("expected a hex sha256, got %q", a)
	}
}
