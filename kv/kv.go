package kv

import "context"

// Store is the primitive key/value vocabulary.
//
// Absent keys and hash fields are reported with ErrKeyNotFound. Set and hash
// operations on a key holding another type are backend-defined.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)

	SetAdd(ctx context.Context, key string, members ...string) error
	SetRemove(ctx context.Context, key string, members ...string) error
	SetMembers(ctx context.Context, key string) ([]string, error)

	HashSet(ctx context.Context, key, field string, value []byte) error
	HashGet(ctx context.Context, key, field string) ([]byte, error)
	HashDelete(ctx context.Context, key, field string) error
	HashExists(ctx context.Context, key, field string) (bool, error)

	// MultiGet returns one entry per key in input order; absent keys are nil.
	MultiGet(ctx context.Context, keys ...string) ([][]byte, error)

	// Begin opens a batch. Nothing is applied until Commit.
	Begin() Batch

	Close() error
}

// Batch queues mutations for atomic application.
// A Batch is not safe for concurrent use.
type Batch interface {
	Set(key string, value []byte)
	SetIfAbsent(key string, value []byte)
	Delete(key string)
	SetAdd(key string, members ...string)
	SetRemove(key string, members ...string)
	HashSet(key, field string, value []byte)
	HashSetIfAbsent(key, field string, value []byte)
	HashDelete(key, field string)

	// Ops returns the queued operations in order.
	Ops() []Op

	// Len returns the number of queued operations.
	Len() int

	// Commit applies all queued operations as one unit. It returns one
	// Result per queued operation, or an error if nothing was applied.
	// Commit does not apply anything once ctx is done.
	Commit(ctx context.Context) ([]Result, error)
}

// OpKind identifies a queued batch operation.
type OpKind int

const (
	OpSet OpKind = iota + 1
	OpSetIfAbsent
	OpDelete
	OpSetAdd
	OpSetRemove
	OpHashSet
	OpHashSetIfAbsent
	OpHashDelete
)

var opNames = map[OpKind]string{
	OpSet:             "SET",
	OpSetIfAbsent:     "SETNX",
	OpDelete:          "DEL",
	OpSetAdd:          "SADD",
	OpSetRemove:       "SREM",
	OpHashSet:         "HSET",
	OpHashSetIfAbsent: "HSETNX",
	OpHashDelete:      "HDEL",
}

func (k OpKind) String() string {
	if name, ok := opNames[k]; ok {
		return name
	}
	return "UNKNOWN"
}

// Conditional reports whether the operation must not overwrite an existing value.
func (k OpKind) Conditional() bool {
	return k == OpSetIfAbsent || k == OpHashSetIfAbsent
}

// Op is a queued batch operation.
type Op struct {
	Kind    OpKind
	Key     string
	Field   string
	Value   []byte
	Members []string
}

// Result is the outcome of one committed operation.
type Result struct {
	Op OpKind
	Key string

	// Affected is the number of keys, fields or members changed, when the
	// backend reports it; backends that cannot report it use 1.
	Affected int64
}

// Queue is an embeddable operation queue implementing the mutating half of
// Batch. Backends embed it and implement Commit.
type Queue struct {
	ops []Op
}

func (q *Queue) Set(key string, value []byte) {
	q.ops = append(q.ops, Op{Kind: OpSet, Key: key, Value: value})
}

func (q *Queue) SetIfAbsent(key string, value []byte) {
	q.ops = append(q.ops, Op{Kind: OpSetIfAbsent, Key: key, Value: value})
}

func (q *Queue) Delete(key string) {
	q.ops = append(q.ops, Op{Kind: OpDelete, Key: key})
}

// SetAdd queues a set addition; it is a no-op without members.
func (q *Queue) SetAdd(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	q.ops = append(q.ops, Op{Kind: OpSetAdd, Key: key, Members: members})
}

// SetRemove queues a set removal; it is a no-op without members.
func (q *Queue) SetRemove(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	q.ops = append(q.ops, Op{Kind: OpSetRemove, Key: key, Members: members})
}

func (q *Queue) HashSet(key, field string, value []byte) {
	q.ops = append(q.ops, Op{Kind: OpHashSet, Key: key, Field: field, Value: value})
}

func (q *Queue) HashSetIfAbsent(key, field string, value []byte) {
	q.ops = append(q.ops, Op{Kind: OpHashSetIfAbsent, Key: key, Field: field, Value: value})
}

func (q *Queue) HashDelete(key, field string) {
	q.ops = append(q.ops, Op{Kind: OpHashDelete, Key: key, Field: field})
}

func (q *Queue) Ops() []Op {
	return q.ops
}

func (q *Queue) Len() int {
	return len(q.ops)
}

// Claims tracks the targets of conditional ops already seen in a batch.
// A conditional op whose target an earlier conditional op of the same batch
// claims fails its condition.
type Claims map[string]struct{}

// Claim records the target of op and reports whether it was free. Ops that
// are not conditional always report true.
func (c Claims) Claim(op Op) bool {
	if !op.Kind.Conditional() {
		return true
	}
	target := op.Key
	if op.Kind == OpHashSetIfAbsent {
		target = op.Key + "\x00" + op.Field
	}
	if _, ok := c[target]; ok {
		return false
	}
	c[target] = struct{}{}
	return true
}
