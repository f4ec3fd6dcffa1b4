// Package memory provides an in-process kv.Store.
//
// All state lives in maps guarded by one RWMutex. Batches are applied while
// holding the write lock, so readers never observe a partial batch.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/jacentio/arbor/kv"
)

// Store is a thread-safe in-memory kv.Store.
type Store struct {
	mu     sync.RWMutex
	values map[string][]byte
	sets   map[string]map[string]struct{}
	hashes map[string]map[string][]byte
}

var _ kv.Store = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{
		values: make(map[string][]byte),
		sets:   make(map[string]map[string]struct{}),
		hashes: make(map[string]map[string][]byte),
	}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[key]
	if !ok {
		return nil, kv.ErrKeyNotFound
	}
	return clone(v), nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.set(key, value)
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.delete(key)
	return nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.exists(key), nil
}

func (s *Store) SetAdd(ctx context.Context, key string, members ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.setAdd(key, members)
	return nil
}

func (s *Store) SetRemove(ctx context.Context, key string, members ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.setRemove(key, members)
	return nil
}

// SetMembers returns the members sorted; an absent set is empty.
func (s *Store) SetMembers(ctx context.Context, key string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := make([]string, 0, len(s.sets[key]))
	for m := range s.sets[key] {
		members = append(members, m)
	}
	sort.Strings(members)
	return members, nil
}

func (s *Store) HashSet(ctx context.Context, key, field string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hashSet(key, field, value)
	return nil
}

func (s *Store) HashGet(ctx context.Context, key, field string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.hashes[key][field]
	if !ok {
		return nil, kv.ErrKeyNotFound
	}
	return clone(v), nil
}

func (s *Store) HashDelete(ctx context.Context, key, field string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hashDelete(key, field)
	return nil
}

func (s *Store) HashExists(ctx context.Context, key, field string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.hashes[key][field]
	return ok, nil
}

func (s *Store) MultiGet(ctx context.Context, keys ...string) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([][]byte, len(keys))
	for i, k := range keys {
		if v, ok := s.values[k]; ok {
			out[i] = clone(v)
		}
	}
	return out, nil
}

// Begin opens a batch against this store.
func (s *Store) Begin() kv.Batch {
	return &batch{store: s}
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

// Len returns the number of keys of every type.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values) + len(s.sets) + len(s.hashes)
}

// --- unlocked helpers (caller holds s.mu) ---

func (s *Store) exists(key string) bool {
	if _, ok := s.values[key]; ok {
		return true
	}
	if _, ok := s.sets[key]; ok {
		return true
	}
	_, ok := s.hashes[key]
	return ok
}

func (s *Store) set(key string, value []byte) {
	s.values[key] = clone(value)
}

func (s *Store) delete(key string) int64 {
	if !s.exists(key) {
		return 0
	}
	delete(s.values, key)
	delete(s.sets, key)
	delete(s.hashes, key)
	return 1
}

func (s *Store) setAdd(key string, members []string) int64 {
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{}, len(members))
		s.sets[key] = set
	}
	var added int64
	for _, m := range members {
		if _, ok := set[m]; !ok {
			set[m] = struct{}{}
			added++
		}
	}
	return added
}

func (s *Store) setRemove(key string, members []string) int64 {
	set, ok := s.sets[key]
	if !ok {
		return 0
	}
	var removed int64
	for _, m := range members {
		if _, ok := set[m]; ok {
			delete(set, m)
			removed++
		}
	}
	if len(set) == 0 {
		delete(s.sets, key)
	}
	return removed
}

func (s *Store) hashSet(key, field string, value []byte) int64 {
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string][]byte)
		s.hashes[key] = h
	}
	_, existed := h[field]
	h[field] = clone(value)
	if existed {
		return 0
	}
	return 1
}

func (s *Store) hashDelete(key, field string) int64 {
	h, ok := s.hashes[key]
	if !ok {
		return 0
	}
	if _, ok := h[field]; !ok {
		return 0
	}
	delete(h, field)
	if len(h) == 0 {
		delete(s.hashes, key)
	}
	return 1
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// batch applies its queue under the store's write lock.
type batch struct {
	kv.Queue
	store     *Store
	committed bool
}

func (b *batch) Commit(ctx context.Context) ([]kv.Result, error) {
	if b.committed {
		return nil, kv.ErrBatchCommitted
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()

	ops := b.Ops()

	// Conditions are evaluated before anything is applied.
	claims := kv.Claims{}
	for i, op := range ops {
		if !claims.Claim(op) {
			return nil, &kv.CommitError{Index: i, Op: op.Kind, Key: op.Key, Err: kv.ErrConditionFailed}
		}
		switch op.Kind {
		case kv.OpSetIfAbsent:
			if s.exists(op.Key) {
				return nil, &kv.CommitError{Index: i, Op: op.Kind, Key: op.Key, Err: kv.ErrConditionFailed}
			}
		case kv.OpHashSetIfAbsent:
			if _, ok := s.hashes[op.Key][op.Field]; ok {
				return nil, &kv.CommitError{Index: i, Op: op.Kind, Key: op.Key, Err: kv.ErrConditionFailed}
			}
		}
	}

	b.committed = true
	results := make([]kv.Result, len(ops))
	for i, op := range ops {
		var n int64
		switch op.Kind {
		case kv.OpSet, kv.OpSetIfAbsent:
			s.set(op.Key, op.Value)
			n = 1
		case kv.OpDelete:
			n = s.delete(op.Key)
		case kv.OpSetAdd:
			n = s.setAdd(op.Key, op.Members)
		case kv.OpSetRemove:
			n = s.setRemove(op.Key, op.Members)
		case kv.OpHashSet, kv.OpHashSetIfAbsent:
			n = s.hashSet(op.Key, op.Field, op.Value)
		case kv.OpHashDelete:
			n = s.hashDelete(op.Key, op.Field)
		}
		results[i] = kv.Result{Op: op.Kind, Key: op.Key, Affected: n}
	}
	return results, nil
}
