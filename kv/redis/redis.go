// Package redis implements kv.Store on Redis.
//
// Batches are sent as one MULTI/EXEC transaction. Batches holding conditional
// writes run as one Lua script that checks every guarded key or hash field,
// including those claimed earlier in the same batch, and applies the batch
// only if none is taken. Guards on distinct fields of one hash do not
// interfere with each other.
//
// Redis does not roll back a transaction or script whose commands fail at
// runtime (e.g. WRONGTYPE). Such failures are reported as a kv.CommitError
// naming the failing command, but commands before it have been applied.
//
// All keys of a conditional batch must hash to one slot on Redis Cluster.
package redis

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/jacentio/arbor/kv"
)

// Config holds configuration for the Store.
type Config struct {
	// Logger receives commit diagnostics. Default: no-op.
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{}
}

func (c *Config) validate() {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Store is a kv.Store backed by a Redis client.
type Store struct {
	client goredis.UniversalClient
	config Config
}

var _ kv.Store = (*Store)(nil)

// New creates a Store using client. The Store owns the client: Close closes it.
func New(client goredis.UniversalClient, config Config) *Store {
	config.validate()
	return &Store{client: client, config: config}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, kv.ErrKeyNotFound
	}
	return v, err
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	return s.client.Set(ctx, key, value, 0).Err()
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) SetAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return s.client.SAdd(ctx, key, toArgs(members)...).Err()
}

func (s *Store) SetRemove(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return s.client.SRem(ctx, key, toArgs(members)...).Err()
}

func (s *Store) SetMembers(ctx context.Context, key string) ([]string, error) {
	return s.client.SMembers(ctx, key).Result()
}

func (s *Store) HashSet(ctx context.Context, key, field string, value []byte) error {
	return s.client.HSet(ctx, key, field, value).Err()
}

func (s *Store) HashGet(ctx context.Context, key, field string) ([]byte, error) {
	v, err := s.client.HGet(ctx, key, field).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, kv.ErrKeyNotFound
	}
	return v, err
}

func (s *Store) HashDelete(ctx context.Context, key, field string) error {
	return s.client.HDel(ctx, key, field).Err()
}

func (s *Store) HashExists(ctx context.Context, key, field string) (bool, error) {
	return s.client.HExists(ctx, key, field).Result()
}

func (s *Store) MultiGet(ctx context.Context, keys ...string) ([][]byte, error) {
	if len(keys) == 0 {
		return [][]byte{}, nil
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(values))
	for i, v := range values {
		switch v := v.(type) {
		case string:
			out[i] = []byte(v)
		case []byte:
			out[i] = v
		}
	}
	return out, nil
}

// Begin opens a MULTI/EXEC batch.
func (s *Store) Begin() kv.Batch {
	return &batch{store: s}
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

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
	b.committed = true

	ops := b.Ops()
	if len(ops) == 0 {
		return []kv.Result{}, nil
	}

	// Fast path: no conditional writes, plain MULTI/EXEC.
	if !conditional(ops) {
		cmds, err := b.store.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			queue(ctx, p, ops)
			return nil
		})
		return results(ops, cmds, err)
	}

	keys, args := scriptArgs(ops)
	reply, err := commitScript.Run(ctx, b.store.client, keys, args...).Slice()
	if err != nil {
		if isContextErr(err) {
			return nil, err
		}
		return nil, &kv.CommitError{Index: -1, Err: err}
	}
	return scriptResults(ops, reply, b.store.config.Logger)
}

// commitScript checks the guards of conditional ops, then applies every op.
// KEYS holds one key per op; ARGV holds per op its kind followed by its
// operands (value; member count and members; field and value; field).
//
// Reply: {0, affected...} when applied, {i} when the guard of op i (1-based)
// is taken, {-i, message} when op i failed at runtime.
var commitScript = goredis.NewScript(`
local ops = {}
local pos = 1
for i = 1, #KEYS do
  local op = {kind = ARGV[pos], key = KEYS[i]}
  pos = pos + 1
  if op.kind == 'SET' or op.kind == 'SETNX' then
    op.value = ARGV[pos]
    pos = pos + 1
  elseif op.kind == 'SADD' or op.kind == 'SREM' then
    local n = tonumber(ARGV[pos])
    pos = pos + 1
    op.members = {}
    for j = 1, n do
      op.members[j] = ARGV[pos]
      pos = pos + 1
    end
  elseif op.kind == 'HSET' or op.kind == 'HSETNX' then
    op.field = ARGV[pos]
    op.value = ARGV[pos + 1]
    pos = pos + 2
  elseif op.kind == 'HDEL' then
    op.field = ARGV[pos]
    pos = pos + 1
  end
  ops[i] = op
end

local claimed = {}
for i, op in ipairs(ops) do
  if op.kind == 'SETNX' then
    if claimed[op.key] or redis.call('EXISTS', op.key) == 1 then
      return {i}
    end
    claimed[op.key] = true
  elseif op.kind == 'HSETNX' then
    local c = op.key .. '\0' .. op.field
    if claimed[c] or redis.call('HEXISTS', op.key, op.field) == 1 then
      return {i}
    end
    claimed[c] = true
  end
end

local out = {0}
for i, op in ipairs(ops) do
  local ok, res
  if op.kind == 'SET' or op.kind == 'SETNX' then
    ok, res = pcall(redis.call, 'SET', op.key, op.value)
    if ok then
      res = 1
    end
  elseif op.kind == 'DEL' then
    ok, res = pcall(redis.call, 'DEL', op.key)
  elseif op.kind == 'SADD' then
    ok, res = pcall(redis.call, 'SADD', op.key, unpack(op.members))
  elseif op.kind == 'SREM' then
    ok, res = pcall(redis.call, 'SREM', op.key, unpack(op.members))
  elseif op.kind == 'HSET' or op.kind == 'HSETNX' then
    ok, res = pcall(redis.call, 'HSET', op.key, op.field, op.value)
  elseif op.kind == 'HDEL' then
    ok, res = pcall(redis.call, 'HDEL', op.key, op.field)
  end
  if not ok then
    local msg = res
    if type(res) == 'table' then
      msg = res.err
    end
    return {-i, tostring(msg)}
  end
  out[i + 1] = res
end
return out
`)

// scriptArgs flattens ops into commitScript KEYS and ARGV.
func scriptArgs(ops []kv.Op) ([]string, []interface{}) {
	keys := make([]string, len(ops))
	var args []interface{}
	for i, op := range ops {
		keys[i] = op.Key
		args = append(args, op.Kind.String())
		switch op.Kind {
		case kv.OpSet, kv.OpSetIfAbsent:
			args = append(args, op.Value)
		case kv.OpSetAdd, kv.OpSetRemove:
			args = append(args, len(op.Members))
			args = append(args, toArgs(op.Members)...)
		case kv.OpHashSet, kv.OpHashSetIfAbsent:
			args = append(args, op.Field, op.Value)
		case kv.OpHashDelete:
			args = append(args, op.Field)
		}
	}
	return keys, args
}

func scriptResults(ops []kv.Op, reply []interface{}, logger *zap.Logger) ([]kv.Result, error) {
	status, ok := replyInt(reply, 0)
	if !ok {
		return nil, &kv.CommitError{Index: -1, Err: fmt.Errorf("unexpected script reply %v", reply)}
	}

	switch {
	case status > 0:
		i := int(status) - 1
		logger.Debug("conditional batch rejected",
			zap.Int("op", i),
			zap.String("key", ops[i].Key),
		)
		return nil, &kv.CommitError{Index: i, Op: ops[i].Kind, Key: ops[i].Key, Err: kv.ErrConditionFailed}
	case status < 0:
		i := int(-status) - 1
		msg := ""
		if len(reply) > 1 {
			msg = fmt.Sprint(reply[1])
		}
		return nil, &kv.CommitError{Index: i, Op: ops[i].Kind, Key: ops[i].Key, Err: errors.New(msg)}
	}

	out := make([]kv.Result, len(ops))
	for i, op := range ops {
		out[i] = kv.Result{Op: op.Kind, Key: op.Key, Affected: 1}
		if n, ok := replyInt(reply, i+1); ok {
			out[i].Affected = n
		}
	}
	return out, nil
}

func replyInt(reply []interface{}, i int) (int64, bool) {
	if i >= len(reply) {
		return 0, false
	}
	n, ok := reply[i].(int64)
	return n, ok
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func conditional(ops []kv.Op) bool {
	for _, op := range ops {
		if op.Kind.Conditional() {
			return true
		}
	}
	return false
}

// queue translates ops into pipelined commands, one command per op.
func queue(ctx context.Context, p goredis.Pipeliner, ops []kv.Op) {
	for _, op := range ops {
		switch op.Kind {
		case kv.OpSet, kv.OpSetIfAbsent:
			p.Set(ctx, op.Key, op.Value, 0)
		case kv.OpDelete:
			p.Del(ctx, op.Key)
		case kv.OpSetAdd:
			p.SAdd(ctx, op.Key, toArgs(op.Members)...)
		case kv.OpSetRemove:
			p.SRem(ctx, op.Key, toArgs(op.Members)...)
		case kv.OpHashSet, kv.OpHashSetIfAbsent:
			p.HSet(ctx, op.Key, op.Field, op.Value)
		case kv.OpHashDelete:
			p.HDel(ctx, op.Key, op.Field)
		}
	}
}

// results maps executed commands back to ops. Transaction errors are
// reported as a kv.CommitError pointing at the first failing command.
func results(ops []kv.Op, cmds []goredis.Cmder, err error) ([]kv.Result, error) {
	if err != nil {
		var commitErr *kv.CommitError
		if errors.As(err, &commitErr) || isContextErr(err) {
			return nil, err
		}
		return nil, commandError(ops, cmds, err)
	}

	out := make([]kv.Result, len(ops))
	for i, op := range ops {
		out[i] = kv.Result{Op: op.Kind, Key: op.Key, Affected: 1}
		if i < len(cmds) {
			if c, ok := cmds[i].(*goredis.IntCmd); ok {
				out[i].Affected = c.Val()
			}
		}
	}
	return out, nil
}

func commandError(ops []kv.Op, cmds []goredis.Cmder, err error) error {
	first := -1
	var errs []error
	if len(cmds) == len(ops) {
		for i, c := range cmds {
			// Only server replies identify a command; connection errors are
			// copied onto every command.
			var rerr goredis.Error
			if cerr := c.Err(); cerr != nil && !errors.Is(cerr, goredis.Nil) && errors.As(cerr, &rerr) {
				if first < 0 {
					first = i
				}
				errs = append(errs, fmt.Errorf("%s %s: %w", ops[i].Kind, ops[i].Key, cerr))
			}
		}
	}
	if first < 0 {
		return &kv.CommitError{Index: -1, Err: err}
	}
	return &kv.CommitError{
		Index: first,
		Op:    ops[first].Kind,
		Key:   ops[first].Key,
		Err:   multierr.Combine(errs...),
	}
}

func toArgs(members []string) []interface{} {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return args
}
