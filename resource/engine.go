package resource

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jacentio/arbor/internal/keys"
	"github.com/jacentio/arbor/internal/metrics"
	"github.com/jacentio/arbor/kv"
)

// Engine persists resources, their secondary indexes, collections and
// associations in a kv.Store. Each mutation is committed as one batch.
type Engine struct {
	store  kv.Store
	config Config
	keys   keys.Composer
	logger *zap.Logger
	newID  func() (uuid.UUID, error)
}

// New creates a new Engine. The engine owns no other store handle; pass a
// dedicated store per engine.
func New(store kv.Store, config Config) *Engine {
	config.validate()
	return &Engine{
		store:  store,
		config: config,
		keys:   keys.New(config.Namespace),
		logger: config.Logger,
		newID:  uuid.NewRandom,
	}
}

// Namespace returns the key prefix.
func (e *Engine) Namespace() string {
	return e.config.Namespace
}

// Create generates fields, assigns an id, validates, checks index uniqueness
// and commits the record, its index entries, collections and associations in
// one batch.
//
// The returned resource is the record as stored, decoded by the configured
// codec, so it equals what Get returns: with the JSON codec every number comes
// back as float64.
//
// Without Config.ConditionalIndexes, a value claimed by a concurrent create
// between the uniqueness check and the commit is overwritten.
func (e *Engine) Create(ctx context.Context, s *Schema, input Resource) (r Resource, err error) {
	defer e.observe(s.resourceType, "create", time.Now(), &err)
	return e.create(ctx, s, input)
}

func (e *Engine) create(ctx context.Context, s *Schema, input Resource) (Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r, err := s.GenerateFields(input)
	if err != nil {
		return nil, &GenerationError{Err: err}
	}

	if s.hooks.BeforeCreate != nil {
		if r, err = s.hooks.BeforeCreate(ctx, r); err != nil {
			return nil, err
		}
		if r == nil {
			r = Resource{}
		}
	}

	uid, err := e.newID()
	if err != nil {
		return nil, &GenerationError{Err: fmt.Errorf("id: %w", err)}
	}
	id := uid.String()
	r[s.primaryKey] = id

	if err := s.Validate(r); err != nil {
		return nil, err
	}

	// Uniqueness checks run concurrently against the live store.
	values := make([]string, len(s.indexes))
	entries := make([]entry, len(s.indexes))
	for i, f := range s.indexes {
		values[i], _ = r.Lookup(f)
		entries[i] = e.indexEntry(s.resourceType, f, values[i])
	}
	taken, err := e.taken(ctx, entries)
	if err != nil {
		return nil, err
	}
	for i, t := range taken {
		if t {
			return nil, e.conflict(s, s.indexes[i], values[i])
		}
	}

	targets, err := e.resolveTargets(ctx, s, r, fetchAll, true)
	if err != nil {
		return nil, err
	}

	data, err := e.config.Codec.Marshal(r)
	if err != nil {
		return nil, &StorageError{Op: "encode", Err: err}
	}
	stored, err := e.config.Codec.Unmarshal(data)
	if err != nil {
		return nil, &StorageError{Op: "decode", Err: err}
	}

	b := e.store.Begin()
	b.Set(e.keys.Record(s.resourceType, id), data)

	// Batch position of each index entry, for conditional failures.
	indexOps := make(map[int]int, len(entries))
	for i, en := range entries {
		indexOps[b.Len()] = i
		en.put(b, id, e.config.ConditionalIndexes)
	}
	for _, set := range s.sets {
		b.SetAdd(e.keys.Set(s.resourceType, set), id)
	}
	for _, t := range targets {
		if err := e.link(ctx, b, s.resourceType, t, r, id); err != nil {
			return nil, err
		}
	}

	results, err := b.Commit(ctx)
	if err != nil {
		var ce *kv.CommitError
		if errors.As(err, &ce) && errors.Is(err, kv.ErrConditionFailed) {
			if i, ok := indexOps[ce.Index]; ok {
				return nil, e.conflict(s, s.indexes[i], values[i])
			}
		}
		e.logger.Warn("create batch not committed",
			zap.String("type", s.resourceType),
			zap.String("id", id),
			zap.Error(err),
		)
		return nil, storageError("commit", err)
	}
	metrics.ObserveBatch(s.resourceType, "create", len(results))

	e.logger.Debug("resource created",
		zap.String("type", s.resourceType),
		zap.String("id", id),
		zap.Int("ops", len(results)),
	)

	r = stored
	if s.hooks.AfterCreate != nil {
		out, err := s.hooks.AfterCreate(ctx, r.Clone())
		if err != nil {
			return r, err
		}
		if out != nil {
			r = out
		}
	}
	return r, nil
}

func (e *Engine) conflict(s *Schema, field, value string) error {
	e.logger.Warn("unique value conflict",
		zap.String("type", s.resourceType),
		zap.String("field", field),
	)
	return &ConflictError{ResourceType: s.resourceType, Field: field, Value: value}
}

// Get returns the resource with the given id, decoded by the configured codec.
func (e *Engine) Get(ctx context.Context, resourceType, id string) (r Resource, err error) {
	defer e.observe(resourceType, "get", time.Now(), &err)
	return e.get(ctx, resourceType, id)
}

func (e *Engine) get(ctx context.Context, resourceType, id string) (Resource, error) {
	data, err := e.store.Get(ctx, e.keys.Record(resourceType, id))
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil, &NotFoundError{ResourceType: resourceType, Key: id}
	}
	if err != nil {
		return nil, storageError("get", err)
	}
	return e.decode(data)
}

// Decode parses a stored primary record.
func (e *Engine) Decode(data []byte) (Resource, error) {
	return e.decode(data)
}

func (e *Engine) decode(data []byte) (Resource, error) {
	record, err := e.config.Codec.Unmarshal(data)
	if err != nil {
		return nil, &StorageError{Op: "decode", Err: err}
	}
	return Resource(record), nil
}

// GetBySecondaryIndex returns the resource whose index field holds value.
func (e *Engine) GetBySecondaryIndex(ctx context.Context, resourceType, field, value string) (r Resource, err error) {
	defer e.observe(resourceType, "get_by_index", time.Now(), &err)
	return e.getByIndex(ctx, resourceType, field, value)
}

func (e *Engine) getByIndex(ctx context.Context, resourceType, field, value string) (Resource, error) {
	return e.follow(ctx, resourceType, e.indexEntry(resourceType, field, value), field+"="+value)
}

// follow reads the id stored at en and returns that resource.
func (e *Engine) follow(ctx context.Context, resourceType string, en entry, desc string) (Resource, error) {
	id, err := e.read(ctx, en)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil, &NotFoundError{ResourceType: resourceType, Key: desc}
	}
	if err != nil {
		return nil, storageError("read index", err)
	}

	r, err := e.get(ctx, resourceType, id)
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return nil, &NotFoundError{ResourceType: resourceType, Key: desc}
	}
	return r, err
}

// List returns every resource in the type's default collection. Members
// whose record is absent are returned as nil entries.
func (e *Engine) List(ctx context.Context, resourceType string) (rs []Resource, err error) {
	defer e.observe(resourceType, "list", time.Now(), &err)
	return e.members(ctx, resourceType, e.keys.Set(resourceType, DefaultSetName(resourceType)))
}

// ListSet returns every resource in a named collection. Members whose record
// is absent are returned as nil entries.
func (e *Engine) ListSet(ctx context.Context, resourceType, setName string) (rs []Resource, err error) {
	defer e.observe(resourceType, "list_set", time.Now(), &err)
	return e.members(ctx, resourceType, e.keys.Set(resourceType, setName))
}

// members loads the records of every id in setKey, preserving positions.
func (e *Engine) members(ctx context.Context, resourceType, setKey string) ([]Resource, error) {
	ids, err := e.store.SetMembers(ctx, setKey)
	if err != nil {
		return nil, storageError("list", err)
	}
	if len(ids) == 0 {
		return []Resource{}, nil
	}

	recordKeys := make([]string, len(ids))
	for i, id := range ids {
		recordKeys[i] = e.keys.Record(resourceType, id)
	}
	values, err := e.store.MultiGet(ctx, recordKeys...)
	if err != nil {
		return nil, storageError("list", err)
	}

	out := make([]Resource, len(values))
	for i, data := range values {
		if data == nil {
			continue
		}
		if out[i], err = e.decode(data); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Update replaces the stored record of an existing resource. The id is
// kept; index entries, collections and associations are not changed.
func (e *Engine) Update(ctx context.Context, s *Schema, id string, input Resource) (r Resource, err error) {
	defer e.observe(s.resourceType, "update", time.Now(), &err)

	key := e.keys.Record(s.resourceType, id)
	ok, err := e.store.Exists(ctx, key)
	if err != nil {
		return nil, storageError("update", err)
	}
	if !ok {
		return nil, &NotFoundError{ResourceType: s.resourceType, Key: id}
	}

	r = input.Clone()
	r[s.primaryKey] = id
	if err := s.Validate(r); err != nil {
		return nil, err
	}

	data, err := e.config.Codec.Marshal(r)
	if err != nil {
		return nil, &StorageError{Op: "encode", Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := e.store.Set(ctx, key, data); err != nil {
		return nil, storageError("update", err)
	}

	e.logger.Debug("resource updated", zap.String("type", s.resourceType), zap.String("id", id))
	return r, nil
}

// Delete removes the record, its index entries, collection memberships and
// associations in one batch. Deleting an absent id returns *NotFoundError.
func (e *Engine) Delete(ctx context.Context, s *Schema, id string) (_ string, err error) {
	defer e.observe(s.resourceType, "delete", time.Now(), &err)

	r, err := e.get(ctx, s.resourceType, id)
	if err != nil {
		return "", err
	}

	if s.hooks.BeforeDelete != nil {
		if err := s.hooks.BeforeDelete(ctx, r.Clone()); err != nil {
			return "", err
		}
	}

	b := e.store.Begin()
	b.Delete(e.keys.Record(s.resourceType, id))
	if err := e.queueRemoval(ctx, b, s, r, id); err != nil {
		return "", err
	}
	if err := e.commit(ctx, b, s, "delete", id); err != nil {
		return "", err
	}
	return id, nil
}

// Purge removes the index entries, collection memberships and associations
// of r without touching its primary record. Index and has-one entries are
// only removed while they still point at r.
func (e *Engine) Purge(ctx context.Context, s *Schema, r Resource) (err error) {
	defer e.observe(s.resourceType, "purge", time.Now(), &err)

	id, ok := r.Lookup(s.primaryKey)
	if !ok {
		return &ValidationError{
			ResourceType: s.resourceType,
			Violations:   []Violation{{Field: s.primaryKey, Message: "is required"}},
		}
	}

	b := e.store.Begin()
	if err := e.queueRemoval(ctx, b, s, r, id); err != nil {
		return err
	}
	return e.commit(ctx, b, s, "purge", id)
}

// Detach removes the has-one entries and has-many sets that inbound
// associations keep for r, a removed resource of schema s. Entries stay while
// another resource of s answers to the same value.
func (e *Engine) Detach(ctx context.Context, s *Schema, inbound []Inbound, r Resource) (err error) {
	defer e.observe(s.resourceType, "detach", time.Now(), &err)

	id, ok := r.Lookup(s.primaryKey)
	if !ok {
		return &ValidationError{
			ResourceType: s.resourceType,
			Violations:   []Violation{{Field: s.primaryKey, Message: "is required"}},
		}
	}

	b := e.store.Begin()
	for _, in := range inbound {
		a := in.Association
		if a.ForeignType != s.resourceType || a.Kind == Link {
			continue
		}
		value := id
		if a.ForeignKey != "" {
			if value, ok = r.Lookup(a.ForeignKey); !ok {
				continue
			}
		}

		_, err := e.fetchForeign(ctx, a, value)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		localType := in.Schema.resourceType
		switch a.Kind {
		case HasOne:
			e.hasOneEntry(localType, a, value).remove(b)
		case HasMany:
			b.Delete(e.keys.HasMany(localType, a.ForeignType, value, a.SetName))
		}
	}
	if b.Len() == 0 {
		return nil
	}
	return e.commit(ctx, b, s, "detach", id)
}

// queueRemoval queues removal of everything derived from r.
func (e *Engine) queueRemoval(ctx context.Context, b kv.Batch, s *Schema, r Resource, id string) error {
	targets, err := e.resolveTargets(ctx, s, r, fetchUnlinkable, false)
	if err != nil {
		return err
	}

	var guarded []entry
	for _, f := range s.indexes {
		if v, ok := r.Lookup(f); ok {
			guarded = append(guarded, e.indexEntry(s.resourceType, f, v))
		}
	}
	for _, t := range targets {
		if t.assoc.Kind == HasOne {
			guarded = append(guarded, e.hasOneEntry(s.resourceType, t.assoc, t.value))
		}
	}
	owners, err := e.owners(ctx, guarded)
	if err != nil {
		return err
	}
	for i, en := range guarded {
		if owners[i] == id {
			en.remove(b)
		}
	}

	for _, set := range s.sets {
		b.SetRemove(e.keys.Set(s.resourceType, set), id)
	}
	for _, t := range targets {
		if err := e.unlink(ctx, b, s.resourceType, t, r, id); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) commit(ctx context.Context, b kv.Batch, s *Schema, op, id string) error {
	results, err := b.Commit(ctx)
	if err != nil {
		e.logger.Warn(op+" batch not committed",
			zap.String("type", s.resourceType),
			zap.String("id", id),
			zap.Error(err),
		)
		return storageError("commit", err)
	}
	metrics.ObserveBatch(s.resourceType, op, len(results))
	e.logger.Debug("batch committed",
		zap.String("op", op),
		zap.String("type", s.resourceType),
		zap.String("id", id),
		zap.Int("ops", len(results)),
	)
	return nil
}

// FindByAssociation returns the local resource a has-one association maps
// value to.
func (e *Engine) FindByAssociation(ctx context.Context, s *Schema, name, value string) (r Resource, err error) {
	defer e.observe(s.resourceType, "find_by_association", time.Now(), &err)

	a, err := s.Association(name)
	if err != nil {
		return nil, err
	}
	if a.Kind != HasOne {
		return nil, fmt.Errorf("%w: %s is %s, not %s", ErrAssociationKind, name, a.Kind, HasOne)
	}
	return e.follow(ctx, s.resourceType, e.hasOneEntry(s.resourceType, a, value), name+"="+value)
}

// Related returns the local resources a has-many association holds for
// value. Members whose record is absent are returned as nil entries.
func (e *Engine) Related(ctx context.Context, s *Schema, name, value string) (rs []Resource, err error) {
	defer e.observe(s.resourceType, "related", time.Now(), &err)

	a, err := s.Association(name)
	if err != nil {
		return nil, err
	}
	if a.Kind != HasMany {
		return nil, fmt.Errorf("%w: %s is %s, not %s", ErrAssociationKind, name, a.Kind, HasMany)
	}
	return e.members(ctx, s.resourceType, e.keys.HasMany(s.resourceType, a.ForeignType, value, a.SetName))
}

func (e *Engine) observe(resourceType, op string, start time.Time, errp *error) {
	metrics.ObserveOperation(resourceType, op, outcome(*errp), time.Since(start))
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, ErrValidation):
		return metrics.OutcomeValidation
	case errors.Is(err, ErrConflict):
		return metrics.OutcomeConflict
	case errors.Is(err, ErrNotFound):
		return metrics.OutcomeNotFound
	case isContextErr(err):
		return metrics.OutcomeCanceled
	}
	return metrics.OutcomeError
}
