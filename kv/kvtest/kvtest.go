// Package kvtest is a conformance suite for kv.Store implementations.
package kvtest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jacentio/arbor/kv"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) kv.Store

// Run exercises the kv.Store contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s kv.Store)
	}{
		{"GetMissing", testGetMissing},
		{"SetGet", testSetGet},
		{"Overwrite", testOverwrite},
		{"DeleteExists", testDeleteExists},
		{"DeleteMissing", testDeleteMissing},
		{"Sets", testSets},
		{"SetMembersMissing", testSetMembersMissing},
		{"Hashes", testHashes},
		{"MultiGet", testMultiGet},
		{"MultiGetEmpty", testMultiGetEmpty},
		{"BatchCommit", testBatchCommit},
		{"BatchConditionFailed", testBatchConditionFailed},
		{"BatchHashConditionFailed", testBatchHashConditionFailed},
		{"BatchConditionPasses", testBatchConditionPasses},
		{"BatchClaimedTwice", testBatchClaimedTwice},
		{"BatchCancelled", testBatchCancelled},
		{"BatchCommitTwice", testBatchCommitTwice},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func testGetMissing(t *testing.T, s kv.Store) {
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, kv.ErrKeyNotFound)

	ok, err := s.Exists(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func testSetGet(t *testing.T, s kv.Store) {
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v")))

	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)

	ok, err := s.Exists(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
}

func testOverwrite(t *testing.T, s kv.Store) {
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("one")))
	require.NoError(t, s.Set(ctx, "k", []byte("two")))

	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("two"), v)
}

func testDeleteExists(t *testing.T, s kv.Store) {
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v")))
	require.NoError(t, s.Delete(ctx, "k"))

	ok, err := s.Exists(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.Get(ctx, "k")
	require.ErrorIs(t, err, kv.ErrKeyNotFound)
}

func testDeleteMissing(t *testing.T, s kv.Store) {
	require.NoError(t, s.Delete(context.Background(), "missing"))
}

func testSets(t *testing.T, s kv.Store) {
	ctx := context.Background()

	require.NoError(t, s.SetAdd(ctx, "set", "a", "b"))
	require.NoError(t, s.SetAdd(ctx, "set", "b", "c"))

	members, err := s.SetMembers(ctx, "set")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b", "c"}, members)

	require.NoError(t, s.SetRemove(ctx, "set", "b", "missing"))

	members, err = s.SetMembers(ctx, "set")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "c"}, members)
}

func testSetMembersMissing(t *testing.T, s kv.Store) {
	members, err := s.SetMembers(context.Background(), "missing")
	require.NoError(t, err)
	require.Empty(t, members)
}

func testHashes(t *testing.T, s kv.Store) {
	ctx := context.Background()

	_, err := s.HashGet(ctx, "h", "f")
	require.ErrorIs(t, err, kv.ErrKeyNotFound)

	require.NoError(t, s.HashSet(ctx, "h", "f", []byte("v1")))
	require.NoError(t, s.HashSet(ctx, "h", "g", []byte("v2")))

	v, err := s.HashGet(ctx, "h", "f")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)

	ok, err := s.HashExists(ctx, "h", "g")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.HashDelete(ctx, "h", "f"))

	ok, err = s.HashExists(ctx, "h", "f")
	require.NoError(t, err)
	require.False(t, ok)

	v, err = s.HashGet(ctx, "h", "g")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), v)
}

func testMultiGet(t *testing.T, s kv.Store) {
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "a", []byte("1")))
	require.NoError(t, s.Set(ctx, "c", []byte("3")))

	values, err := s.MultiGet(ctx, "a", "b", "c", "a")
	require.NoError(t, err)
	require.Len(t, values, 4)
	require.Equal(t, []byte("1"), values[0])
	require.Nil(t, values[1])
	require.Equal(t, []byte("3"), values[2])
	require.Equal(t, []byte("1"), values[3])
}

func testMultiGetEmpty(t *testing.T, s kv.Store) {
	values, err := s.MultiGet(context.Background())
	require.NoError(t, err)
	require.Empty(t, values)
}

func testBatchCommit(t *testing.T, s kv.Store) {
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "old", []byte("x")))

	b := s.Begin()
	b.Set("rec", []byte("r"))
	b.SetIfAbsent("idx", []byte("id"))
	b.SetAdd("set", "id")
	b.HashSet("h", "f", []byte("id"))
	b.HashSetIfAbsent("h", "g", []byte("id"))
	b.Delete("old")
	require.Equal(t, 6, b.Len())

	// Nothing is visible before commit.
	_, err := s.Get(ctx, "rec")
	require.ErrorIs(t, err, kv.ErrKeyNotFound)

	results, err := b.Commit(ctx)
	require.NoError(t, err)
	require.Len(t, results, 6)
	for i, op := range b.Ops() {
		require.Equal(t, op.Kind, results[i].Op)
		require.Equal(t, op.Key, results[i].Key)
	}

	v, err := s.Get(ctx, "rec")
	require.NoError(t, err)
	require.Equal(t, []byte("r"), v)

	v, err = s.Get(ctx, "idx")
	require.NoError(t, err)
	require.Equal(t, []byte("id"), v)

	members, err := s.SetMembers(ctx, "set")
	require.NoError(t, err)
	require.Equal(t, []string{"id"}, members)

	v, err = s.HashGet(ctx, "h", "g")
	require.NoError(t, err)
	require.Equal(t, []byte("id"), v)

	ok, err := s.Exists(ctx, "old")
	require.NoError(t, err)
	require.False(t, ok)

	// Removal through a batch.
	b = s.Begin()
	b.SetRemove("set", "id")
	b.HashDelete("h", "f")
	_, err = b.Commit(ctx)
	require.NoError(t, err)

	members, err = s.SetMembers(ctx, "set")
	require.NoError(t, err)
	require.Empty(t, members)

	ok, err = s.HashExists(ctx, "h", "f")
	require.NoError(t, err)
	require.False(t, ok)
}

func testBatchConditionFailed(t *testing.T, s kv.Store) {
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "idx", []byte("taken")))

	b := s.Begin()
	b.Set("rec", []byte("r"))
	b.SetIfAbsent("idx", []byte("mine"))
	b.SetAdd("set", "mine")

	_, err := b.Commit(ctx)
	require.ErrorIs(t, err, kv.ErrConditionFailed)

	var commitErr *kv.CommitError
	require.True(t, errors.As(err, &commitErr))
	require.Equal(t, 1, commitErr.Index)
	require.Equal(t, "idx", commitErr.Key)

	// Nothing applied.
	_, err = s.Get(ctx, "rec")
	require.ErrorIs(t, err, kv.ErrKeyNotFound)

	v, err := s.Get(ctx, "idx")
	require.NoError(t, err)
	require.Equal(t, []byte("taken"), v)

	members, err := s.SetMembers(ctx, "set")
	require.NoError(t, err)
	require.Empty(t, members)
}

func testBatchClaimedTwice(t *testing.T, s kv.Store) {
	ctx := context.Background()

	b := s.Begin()
	b.SetIfAbsent("idx", []byte("first"))
	b.HashSetIfAbsent("h", "f", []byte("first"))
	b.HashSetIfAbsent("h", "g", []byte("first"))
	b.SetIfAbsent("idx", []byte("second"))

	_, err := b.Commit(ctx)
	require.ErrorIs(t, err, kv.ErrConditionFailed)

	var commitErr *kv.CommitError
	require.True(t, errors.As(err, &commitErr))
	require.Equal(t, 3, commitErr.Index)

	// Nothing applied.
	_, err = s.Get(ctx, "idx")
	require.ErrorIs(t, err, kv.ErrKeyNotFound)
	ok, err := s.HashExists(ctx, "h", "f")
	require.NoError(t, err)
	require.False(t, ok)

	b = s.Begin()
	b.HashSetIfAbsent("h", "f", []byte("first"))
	b.HashSetIfAbsent("h", "f", []byte("second"))
	_, err = b.Commit(ctx)
	require.ErrorIs(t, err, kv.ErrConditionFailed)
}

func testBatchHashConditionFailed(t *testing.T, s kv.Store) {
	ctx := context.Background()

	require.NoError(t, s.HashSet(ctx, "h", "f", []byte("taken")))

	b := s.Begin()
	b.Set("rec", []byte("r"))
	b.HashSetIfAbsent("h", "f", []byte("mine"))

	_, err := b.Commit(ctx)
	require.ErrorIs(t, err, kv.ErrConditionFailed)

	var commitErr *kv.CommitError
	require.True(t, errors.As(err, &commitErr))
	require.Equal(t, 1, commitErr.Index)

	_, err = s.Get(ctx, "rec")
	require.ErrorIs(t, err, kv.ErrKeyNotFound)

	v, err := s.HashGet(ctx, "h", "f")
	require.NoError(t, err)
	require.Equal(t, []byte("taken"), v)
}

func testBatchConditionPasses(t *testing.T, s kv.Store) {
	ctx := context.Background()

	require.NoError(t, s.HashSet(ctx, "h", "other", []byte("x")))

	b := s.Begin()
	b.SetIfAbsent("idx", []byte("mine"))
	b.HashSetIfAbsent("h", "f", []byte("mine"))

	_, err := b.Commit(ctx)
	require.NoError(t, err)

	v, err := s.HashGet(ctx, "h", "f")
	require.NoError(t, err)
	require.Equal(t, []byte("mine"), v)
}

func testBatchCancelled(t *testing.T, s kv.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := s.Begin()
	b.Set("rec", []byte("r"))

	_, err := b.Commit(ctx)
	require.ErrorIs(t, err, context.Canceled)

	_, err = s.Get(context.Background(), "rec")
	require.ErrorIs(t, err, kv.ErrKeyNotFound)
}

func testBatchCommitTwice(t *testing.T, s kv.Store) {
	ctx := context.Background()

	b := s.Begin()
	b.Set("rec", []byte("r"))

	_, err := b.Commit(ctx)
	require.NoError(t, err)

	_, err = b.Commit(ctx)
	require.ErrorIs(t, err, kv.ErrBatchCommitted)
}
