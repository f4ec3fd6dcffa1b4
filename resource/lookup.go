package resource

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/jacentio/arbor/kv"
)

// entry addresses a unique lookup entry mapping a value to one id: a
// secondary index or a has-one association.
type entry struct {
	key   string
	field string
	hash  bool
}

func (e *Engine) indexEntry(resourceType, field, value string) entry {
	if e.config.IndexLayout == IndexLayoutHash {
		return entry{key: e.keys.IndexHash(resourceType, field), field: value, hash: true}
	}
	return entry{key: e.keys.Index(resourceType, field, value)}
}

func (e *Engine) hasOneEntry(localType string, a Association, value string) entry {
	fk := a.foreignKeySegment()
	if e.config.IndexLayout == IndexLayoutHash {
		return entry{key: e.keys.HasOneHash(localType, a.ForeignType, fk), field: value, hash: true}
	}
	return entry{key: e.keys.HasOne(localType, a.ForeignType, fk, value)}
}

// read returns the id stored at en, or kv.ErrKeyNotFound.
func (e *Engine) read(ctx context.Context, en entry) (string, error) {
	var (
		v   []byte
		err error
	)
	if en.hash {
		v, err = e.store.HashGet(ctx, en.key, en.field)
	} else {
		v, err = e.store.Get(ctx, en.key)
	}
	if err != nil {
		return "", err
	}
	return string(v), nil
}

func (e *Engine) exists(ctx context.Context, en entry) (bool, error) {
	if en.hash {
		return e.store.HashExists(ctx, en.key, en.field)
	}
	return e.store.Exists(ctx, en.key)
}

func (en entry) put(b kv.Batch, id string, conditional bool) {
	switch {
	case en.hash && conditional:
		b.HashSetIfAbsent(en.key, en.field, []byte(id))
	case en.hash:
		b.HashSet(en.key, en.field, []byte(id))
	case conditional:
		b.SetIfAbsent(en.key, []byte(id))
	default:
		b.Set(en.key, []byte(id))
	}
}

func (en entry) remove(b kv.Batch) {
	if en.hash {
		b.HashDelete(en.key, en.field)
		return
	}
	b.Delete(en.key)
}

// owners reads every entry concurrently. Absent entries yield "".
func (e *Engine) owners(ctx context.Context, entries []entry) ([]string, error) {
	ids := make([]string, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	for i, en := range entries {
		i, en := i, en
		g.Go(func() error {
			id, err := e.read(gctx, en)
			if errors.Is(err, kv.ErrKeyNotFound) {
				return nil
			}
			if err != nil {
				return storageError("read index", err)
			}
			ids[i] = id
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ids, nil
}

// taken checks every entry concurrently and reports which already exist.
func (e *Engine) taken(ctx context.Context, entries []entry) ([]bool, error) {
	out := make([]bool, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	for i, en := range entries {
		i, en := i, en
		g.Go(func() error {
			ok, err := e.exists(gctx, en)
			if err != nil {
				return storageError("check index", err)
			}
			out[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
