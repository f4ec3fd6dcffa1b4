//go:build e2e

// Package e2e contains end-to-end integration tests against a real Redis.
// Run with: ARBOR_REDIS_ADDR=localhost:6379 go test -tags=e2e -v ./e2e/...
package e2e

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"testing"

	goredis "github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/jacentio/arbor/kv"
	"github.com/jacentio/arbor/kv/kvtest"
	"github.com/jacentio/arbor/kv/redis"
	"github.com/jacentio/arbor/resource"
)

// Test configuration
const (
	defaultAddr = "localhost:6379"

	// Conformance tests flush this database.
	defaultDB = 15
)

var (
	testID    string
	redisAddr string
	redisDB   int
)

// --- Test Setup ---

func TestMain(m *testing.M) {
	testID = uuid.New().String()[:8]

	redisAddr = os.Getenv("ARBOR_REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = defaultAddr
	}
	redisDB = defaultDB
	if v := os.Getenv("ARBOR_REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			fmt.Printf("Invalid ARBOR_REDIS_DB: %v\n", err)
			os.Exit(1)
		}
		redisDB = db
	}

	fmt.Printf("Test ID: %s\n", testID)
	fmt.Printf("Redis: %s (db %d)\n", redisAddr, redisDB)

	client := newClient()
	if err := client.Ping(context.Background()).Err(); err != nil {
		fmt.Printf("Failed to reach Redis: %v\n", err)
		os.Exit(1)
	}
	_ = client.Close()

	os.Exit(m.Run())
}

func newClient() *goredis.Client {
	return goredis.NewClient(&goredis.Options{Addr: redisAddr, DB: redisDB})
}

func newStore(t *testing.T) *redis.Store {
	t.Helper()
	return redis.New(newClient(), redis.DefaultConfig())
}

// newEngine returns an engine in a namespace unique to the test.
func newEngine(t *testing.T, layout resource.IndexLayout) *resource.Engine {
	t.Helper()
	s := newStore(t)
	t.Cleanup(func() { _ = s.Close() })
	return resource.New(s, resource.Config{
		Namespace:   "e2e-" + testID + "-" + uuid.New().String()[:8],
		IndexLayout: layout,
	})
}

func mustBuild(t *testing.T, b *resource.SchemaBuilder) *resource.Schema {
	t.Helper()
	s, err := b.Build()
	if err != nil {
		t.Fatalf("build schema: %v", err)
	}
	return s
}

var layouts = []resource.IndexLayout{resource.IndexLayoutString, resource.IndexLayoutHash}

// --- Store Conformance ---

func TestRedisConformance(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.Store {
		s := newStore(t)
		client := newClient()
		defer client.Close()
		if err := client.FlushDB(context.Background()).Err(); err != nil {
			t.Fatalf("flush: %v", err)
		}
		return s
	})
}

// --- Engine ---

func TestE2E_UniqueIndex(t *testing.T) {
	for _, layout := range layouts {
		t.Run(string(layout), func(t *testing.T) {
			ctx := context.Background()
			e := newEngine(t, layout)
			users := mustBuild(t, resource.NewSchema("user").Required("email").Index("email"))

			u, err := e.Create(ctx, users, resource.Resource{"email": "a@b.com"})
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			id, _ := u.Lookup("id")

			_, err = e.Create(ctx, users, resource.Resource{"email": "a@b.com"})
			if !errors.Is(err, resource.ErrConflict) {
				t.Fatalf("expected ErrConflict, got %v", err)
			}

			got, err := e.GetBySecondaryIndex(ctx, "user", "email", "a@b.com")
			if err != nil {
				t.Fatalf("get by index: %v", err)
			}
			if gotID, _ := got.Lookup("id"); gotID != id {
				t.Errorf("got %s, want %s", gotID, id)
			}

			if _, err := e.Delete(ctx, users, id); err != nil {
				t.Fatalf("delete: %v", err)
			}
			list, err := e.List(ctx, "user")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(list) != 0 {
				t.Errorf("expected empty list, got %d", len(list))
			}
			if _, err := e.Create(ctx, users, resource.Resource{"email": "a@b.com"}); err != nil {
				t.Errorf("email should be free after delete: %v", err)
			}
		})
	}
}

func TestE2E_ConcurrentConditionalCreates(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	t.Cleanup(func() { _ = s.Close() })
	e := resource.New(s, resource.Config{
		Namespace:          "e2e-" + testID + "-race",
		ConditionalIndexes: true,
	})
	users := mustBuild(t, resource.NewSchema("user").Index("email"))

	const n = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		created   int
		conflicts int
	)
	for _i := 0; _i < n; _i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Create(ctx, users, resource.Resource{"email": "race@b.com"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, resource.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if created != 1 || conflicts != n-1 {
		t.Errorf("created=%d conflicts=%d, want 1 and %d", created, conflicts, n-1)
	}
}

func TestE2E_HasMany(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, resource.IndexLayoutString)
	orgs := mustBuild(t, resource.NewSchema("org").Index("slug"))
	projects := mustBuild(t, resource.NewSchema("project").
		Associate(resource.Association{LocalKey: "orgId", ForeignType: "org", Kind: resource.HasMany}))

	org, err := e.Create(ctx, orgs, resource.Resource{"slug": "acme"})
	if err != nil {
		t.Fatalf("create org: %v", err)
	}
	orgID, _ := org.Lookup("id")

	var ids []string
	for _i := 0; _i < 3; _i++ {
		p, err := e.Create(ctx, projects, resource.Resource{"orgId": orgID})
		if err != nil {
			t.Fatalf("create project: %v", err)
		}
		id, _ := p.Lookup("id")
		ids = append(ids, id)
	}

	related, err := e.Related(ctx, projects, "org", orgID)
	if err != nil {
		t.Fatalf("related: %v", err)
	}
	if len(related) != 3 {
		t.Fatalf("expected 3 related, got %d", len(related))
	}

	if _, err := e.Delete(ctx, projects, ids[0]); err != nil {
		t.Fatalf("delete: %v", err)
	}
	related, err = e.Related(ctx, projects, "org", orgID)
	if err != nil {
		t.Fatalf("related: %v", err)
	}
	if len(related) != 2 {
		t.Errorf("expected 2 related after delete, got %d", len(related))
	}
}
