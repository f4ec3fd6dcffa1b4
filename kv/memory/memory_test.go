package memory_test

import (
	"context"
	"sync"
	"testing"

	"github.com/jacentio/arbor/kv"
	"github.com/jacentio/arbor/kv/kvtest"
	"github.com/jacentio/arbor/kv/memory"
)

func TestConformance(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.Store {
		return memory.New()
	})
}

func TestSetMembers_Sorted(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	if err := s.SetAdd(ctx, "set", "c", "a", "b"); err != nil {
		t.Fatalf("SetAdd: %v", err)
	}
	members, err := s.SetMembers(ctx, "set")
	if err != nil {
		t.Fatalf("SetMembers: %v", err)
	}
	if len(members) != 3 || members[0] != "a" || members[1] != "b" || members[2] != "c" {
		t.Errorf("expected sorted members, got %q", members)
	}
}

func TestGet_ReturnsCopy(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	value := []byte("value")
	if err := s.Set(ctx, "k", value); err != nil {
		t.Fatalf("Set: %v", err)
	}
	value[0] = 'X'

	got, _ := s.Get(ctx, "k")
	if string(got) != "value" {
		t.Errorf("expected stored value to be isolated from caller, got %q", got)
	}
	got[0] = 'Y'

	again, _ := s.Get(ctx, "k")
	if string(again) != "value" {
		t.Errorf("expected returned value to be a copy, got %q", again)
	}
}

func TestEmptyCollectionsRemoved(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	_ = s.SetAdd(ctx, "set", "a")
	_ = s.HashSet(ctx, "h", "f", []byte("v"))
	_ = s.SetRemove(ctx, "set", "a")
	_ = s.HashDelete(ctx, "h", "f")

	if n := s.Len(); n != 0 {
		t.Errorf("expected empty store, got %d keys", n)
	}
}

func TestBatchResults_Affected(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	_ = s.SetAdd(ctx, "set", "a")

	b := s.Begin()
	b.SetAdd("set", "a", "b")
	b.Delete("missing")

	results, err := b.Commit(ctx)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if results[0].Affected != 1 {
		t.Errorf("expected 1 member added, got %d", results[0].Affected)
	}
	if results[1].Affected != 0 {
		t.Errorf("expected 0 keys deleted, got %d", results[1].Affected)
	}
}

func TestConcurrentBatches(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	var wg sync.WaitGroup
	wins := make(chan int, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b := s.Begin()
			b.SetIfAbsent("idx", []byte{byte(i)})
			if _, err := b.Commit(ctx); err == nil {
				wins <- i
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	if count != 1 {
		t.Errorf("expected exactly one conditional write to win, got %d", count)
	}
}
