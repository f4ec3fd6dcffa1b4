package resource

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/jacentio/arbor/internal/metrics"
	"github.com/jacentio/arbor/kv"
	"github.com/jacentio/arbor/kv/memory"
)

// --- lookupValue ---

func TestLookupValue(t *testing.T) {
	tests := []struct {
		in   any
		want string
		ok   bool
	}{
		{"abc", "abc", true},
		{"", "", false},
		{true, "true", true},
		{42, "42", true},
		{int64(-7), "-7", true},
		{uint8(3), "3", true},
		{float64(42), "42", true},
		{1.5, "1.5", true},
		{float32(2.25), "2.25", true},
		{nil, "", false},
		{[]any{"x"}, "", false},
		{map[string]any{}, "", false},
	}

	for _, tt := range tests {
		got, ok := lookupValue(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("lookupValue(%#v) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

// --- Clone ---

func TestClone(t *testing.T) {
	orig := Resource{"name": "a", "tags": []any{"a"}}
	c := orig.Clone()

	c["name"] = "changed"
	c["extra"] = true

	if orig["name"] != "a" || len(orig) != 2 {
		t.Errorf("clone shares top-level fields: %v", orig)
	}
	if tags, ok := c["tags"].([]any); !ok || len(tags) != 1 || tags[0] != "a" {
		t.Errorf("nested value not copied: %#v", c["tags"])
	}
	if Resource(nil).Clone() == nil {
		t.Error("clone of nil should be an empty resource")
	}
}

// --- Config ---

func TestConfig_Validate(t *testing.T) {
	var cfg Config
	cfg.validate()

	if cfg.Namespace != "arbor" || cfg.IndexLayout != IndexLayoutString || cfg.Codec == nil || cfg.Logger == nil {
		t.Errorf("defaults not applied: %+v", cfg)
	}

	cfg = Config{Namespace: "app", IndexLayout: IndexLayoutHash}
	cfg.validate()
	if cfg.Namespace != "app" || cfg.IndexLayout != IndexLayoutHash {
		t.Errorf("explicit values overwritten: %+v", cfg)
	}
}

func TestParseIndexLayout(t *testing.T) {
	for in, want := range map[string]IndexLayout{"": IndexLayoutString, "string": IndexLayoutString, "hash": IndexLayoutHash} {
		got, err := ParseIndexLayout(in)
		if err != nil || got != want {
			t.Errorf("ParseIndexLayout(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseIndexLayout("tree"); err == nil {
		t.Error("expected error for unknown layout")
	}
}

// --- Generation failures ---

func TestCreate_IDGenerationFailure(t *testing.T) {
	store := memory.New()
	e := New(store, DefaultConfig())
	e.newID = func() (uuid.UUID, error) { return uuid.Nil, errors.New("entropy exhausted") }

	s, err := NewSchema("user").Build()
	if err != nil {
		t.Fatal(err)
	}

	_, err = e.Create(context.Background(), s, Resource{})
	var ge *GenerationError
	if !errors.As(err, &ge) {
		t.Fatalf("expected GenerationError, got %v", err)
	}
	if store.Len() != 0 {
		t.Errorf("failed create wrote %d keys", store.Len())
	}
}

// --- Check-then-act race ---

// racingStore claims an index entry between the uniqueness check and commit.
type racingStore struct {
	*memory.Store
	claim func()
}

func (s *racingStore) Begin() kv.Batch {
	return &racingBatch{Batch: s.Store.Begin(), claim: s.claim}
}

type racingBatch struct {
	kv.Batch
	claim func()
}

func (b *racingBatch) Commit(ctx context.Context) ([]kv.Result, error) {
	b.claim()
	return b.Batch.Commit(ctx)
}

func TestCreate_IndexClaimedBeforeCommit(t *testing.T) {
	const key = "arbor:user:email:a@b.com"

	tests := []struct {
		name        string
		conditional bool
		wantErr     error
		wantOwner   string
	}{
		{"conditional", true, ErrConflict, "other"},
		{"unconditional", false, nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			mem := memory.New()
			store := &racingStore{Store: mem, claim: func() {
				_ = mem.Set(ctx, key, []byte("other"))
			}}
			cfg := DefaultConfig()
			cfg.ConditionalIndexes = tt.conditional
			e := New(store, cfg)

			s, err := NewSchema("user").Index("email").Build()
			if err != nil {
				t.Fatal(err)
			}

			r, err := e.Create(ctx, s, Resource{"email": "a@b.com"})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}

			owner, _ := mem.Get(ctx, key)
			want := tt.wantOwner
			if want == "" {
				want = r["id"].(string)
			}
			if string(owner) != want {
				t.Errorf("index owner = %q, want %q", owner, want)
			}
			if tt.conditional && mem.Len() != 1 {
				t.Errorf("conflicting batch partially applied: %d keys", mem.Len())
			}
		})
	}
}

// --- Storage failures ---

type failingStore struct {
	*memory.Store
	err error
}

func (s *failingStore) Get(context.Context, string) ([]byte, error) { return nil, s.err }

func (s *failingStore) Exists(context.Context, string) (bool, error) { return false, s.err }

func TestStorageErrors(t *testing.T) {
	down := errors.New("connection refused")
	e := New(&failingStore{Store: memory.New(), err: down}, DefaultConfig())
	s, err := NewSchema("user").Index("email").Build()
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	_, err = e.Get(ctx, "user", "x")
	var se *StorageError
	if !errors.As(err, &se) || !errors.Is(err, down) {
		t.Errorf("get: expected StorageError wrapping cause, got %v", err)
	}

	_, err = e.Create(ctx, s, Resource{"email": "a@b.com"})
	if !errors.Is(err, ErrStorage) {
		t.Errorf("create: expected StorageError, got %v", err)
	}
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, metrics.OutcomeOK},
		{&ValidationError{}, metrics.OutcomeValidation},
		{&ConflictError{}, metrics.OutcomeConflict},
		{&NotFoundError{}, metrics.OutcomeNotFound},
		{context.DeadlineExceeded, metrics.OutcomeCanceled},
		{&StorageError{Err: errors.New("x")}, metrics.OutcomeError},
	}
	for _, tt := range tests {
		if got := outcome(tt.err); got != tt.want {
			t.Errorf("outcome(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
