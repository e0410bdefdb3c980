package postgres

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/drfirst/go-mar/pkg/apiclient"
)

type row struct {
	token     string
	expiresAt *time.Time
	err       error
}

func (r row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*string) = r.token
	*dest[1].(**time.Time) = r.expiresAt
	return nil
}

type fakeDB struct {
	row     row
	queries int
	execs   []string
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.queries++
	return f.row
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, sql)
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func TestTokenStore_CachesToken(t *testing.T) {
	db := &fakeDB{row: row{token: "svc-token"}}
	store := NewTokenStore(db, DefaultTokenStoreConfig("care"), nil)

	for i := 0; i < 3; i++ {
		tok, err := store.Token(context.Background())
		if err != nil || tok != "svc-token" {
			t.Fatalf("unexpected token %q err %v", tok, err)
		}
	}
	if db.queries != 1 {
		t.Errorf("expected one query, got %d", db.queries)
	}
}

func TestTokenStore_MissingIsAnonymous(t *testing.T) {
	db := &fakeDB{row: row{err: pgx.ErrNoRows}}
	store := NewTokenStore(db, DefaultTokenStoreConfig("care"), nil)

	tok, err := store.Token(context.Background())
	if err != nil || tok != "" {
		t.Fatalf("expected an empty token, got %q err %v", tok, err)
	}
	store.Token(context.Background())
	if db.queries != 2 {
		t.Errorf("a missing credential must not be cached, got %d queries", db.queries)
	}
}

func TestTokenStore_MissingSendsUnauthenticated(t *testing.T) {
	var hits atomic.Int64
	var auth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		auth.Store(r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	store := NewTokenStore(&fakeDB{row: row{err: pgx.ErrNoRows}}, DefaultTokenStoreConfig("care"), nil)
	client := apiclient.New(srv.URL, apiclient.WithCredentials(apiclient.ContextToken{Fallback: store}))

	res := apiclient.Request(context.Background(), client, apiclient.Get[map[string]any]("/ping/"), apiclient.Options[map[string]any, struct{}]{})
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if hits.Load() != 1 || auth.Load().(string) != "" {
		t.Errorf("expected one request without Authorization, got %d hits auth %q", hits.Load(), auth.Load())
	}
}

func TestTokenStore_DatabaseErrorFails(t *testing.T) {
	store := NewTokenStore(&fakeDB{row: row{err: errors.New("connection reset")}}, DefaultTokenStoreConfig("care"), nil)
	if _, err := store.Token(context.Background()); err == nil {
		t.Error("expected database errors to fail the lookup")
	}
}

func TestTokenStore_Expired(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	db := &fakeDB{row: row{token: "old", expiresAt: &past}}
	store := NewTokenStore(db, DefaultTokenStoreConfig("care"), nil)

	if _, err := store.Token(context.Background()); !errors.Is(err, ErrCredentialExpired) {
		t.Errorf("expected ErrCredentialExpired, got %v", err)
	}
	store.Token(context.Background())
	if db.queries != 2 {
		t.Errorf("expired credentials must not be cached, got %d queries", db.queries)
	}
}

func TestTokenStore_StoreDropsCache(t *testing.T) {
	db := &fakeDB{row: row{token: "first"}}
	store := NewTokenStore(db, DefaultTokenStoreConfig("care"), nil)
	store.Token(context.Background())

	if err := store.Store(context.Background(), "second", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	db.row.token = "second"
	tok, _ := store.Token(context.Background())
	if tok != "second" {
		t.Errorf("expected refreshed token, got %q", tok)
	}
	if len(db.execs) != 1 || !strings.Contains(db.execs[0], "ON CONFLICT") {
		t.Errorf("unexpected statements %v", db.execs)
	}
}

func TestTokenStore_Migrate(t *testing.T) {
	db := &fakeDB{}
	if err := NewTokenStore(db, DefaultTokenStoreConfig("care"), nil).Migrate(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(db.execs) != 1 || !strings.Contains(db.execs[0], "service_credentials") {
		t.Errorf("unexpected statements %v", db.execs)
	}
}
