package resource

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/jacentio/arbor/internal/keys"
	"github.com/jacentio/arbor/kv"
)

// AssociationKind selects how an association is materialized.
type AssociationKind int

const (
	// HasOne maps the foreign value to the local id:
	// ns:localType:foreignType:foreignKey:value -> localId.
	HasOne AssociationKind = iota + 1

	// HasMany adds the local id to a set per foreign value:
	// ns:localType:foreignType:value:setName.
	HasMany

	// Link delegates to a custom LinkFunc.
	Link
)

var kindNames = map[AssociationKind]string{
	HasOne:  "hasOne",
	HasMany: "hasMany",
	Link:    "link",
}

func (k AssociationKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseAssociationKind parses "hasOne", "hasMany" or "link".
// An empty string selects HasOne.
func ParseAssociationKind(s string) (AssociationKind, error) {
	if s == "" {
		return HasOne, nil
	}
	for k, name := range kindNames {
		if strings.EqualFold(name, s) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown association kind %q", s)
}

// LinkFunc queues custom association writes into b. foreign is nil when an
// UnlinkFunc runs after the foreign resource was removed.
type LinkFunc func(ctx context.Context, b kv.Batch, local, foreign Resource) error

// Association relates a local resource to a foreign one through a local field.
type Association struct {
	// Name identifies the association in lookups.
	// Default: ForeignType
	Name string

	// Kind selects the materialization.
	// Default: HasOne
	Kind AssociationKind

	// LocalKey is the local field holding the foreign value. Resources
	// without it are not associated.
	LocalKey string

	// ForeignType is the related resource type.
	ForeignType string

	// ForeignKey is the foreign secondary index the local value refers to.
	// Empty means the foreign primary key.
	ForeignKey string

	// SetName names HasMany sets.
	// Default: DefaultSetName(local type)
	SetName string

	// Link is required for Link associations.
	Link LinkFunc

	// Unlink is the optional removal counterpart of Link. Without it,
	// removing a Link association does nothing.
	Unlink LinkFunc
}

func (a Association) withDefaults(localType string) Association {
	if a.Name == "" {
		a.Name = a.ForeignType
	}
	if a.Kind == 0 {
		a.Kind = HasOne
	}
	if a.Kind == HasMany && a.SetName == "" {
		a.SetName = DefaultSetName(localType)
	}
	return a
}

// destination identifies the entries a has-one or has-many association writes.
// Link associations report false.
func (a Association) destination() (string, bool) {
	switch a.Kind {
	case HasOne:
		return "hasOne " + a.ForeignType + " " + a.foreignKeySegment(), true
	case HasMany:
		return "hasMany " + a.ForeignType + " " + a.SetName, true
	}
	return "", false
}

func (a Association) check() error {
	switch {
	case a.Name == "":
		return errors.New("association name is empty")
	case a.LocalKey == "":
		return fmt.Errorf("association %q: local key is empty", a.Name)
	case a.ForeignType == "" || strings.Contains(a.ForeignType, keys.Delimiter):
		return fmt.Errorf("association %q: invalid foreign type %q", a.Name, a.ForeignType)
	case strings.Contains(a.ForeignKey, keys.Delimiter):
		return fmt.Errorf("association %q: invalid foreign key %q", a.Name, a.ForeignKey)
	case a.Kind == HasMany && strings.Contains(a.SetName, keys.Delimiter):
		return fmt.Errorf("association %q: invalid set name %q", a.Name, a.SetName)
	case a.Kind == Link && a.Link == nil:
		return fmt.Errorf("association %q: link function is nil", a.Name)
	case a.Kind < HasOne || a.Kind > Link:
		return fmt.Errorf("association %q: unknown kind %d", a.Name, a.Kind)
	}
	return nil
}

// foreignKeySegment names the foreign field in has-one keys.
func (a Association) foreignKeySegment() string {
	if a.ForeignKey == "" {
		return DefaultPrimaryKey
	}
	return a.ForeignKey
}

// target is an association whose local key is set on a resource.
type target struct {
	assoc   Association
	value   string
	foreign Resource
}

// resolveTargets returns the associations set on r. The foreign resource of
// each target selected by fetch is read concurrently; when strict, a missing
// foreign resource fails with *NotFoundError.
func (e *Engine) resolveTargets(ctx context.Context, s *Schema, r Resource, fetch func(Association) bool, strict bool) ([]target, error) {
	var targets []target
	for _, a := range s.associations {
		if v, ok := r.Lookup(a.LocalKey); ok {
			targets = append(targets, target{assoc: a, value: v})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range targets {
		t := &targets[i]
		if !fetch(t.assoc) {
			continue
		}
		g.Go(func() error {
			f, err := e.fetchForeign(gctx, t.assoc, t.value)
			if err != nil {
				if !strict && errors.Is(err, ErrNotFound) {
					return nil
				}
				return err
			}
			t.foreign = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return targets, nil
}

func (e *Engine) fetchForeign(ctx context.Context, a Association, value string) (Resource, error) {
	if a.ForeignKey == "" {
		return e.get(ctx, a.ForeignType, value)
	}
	return e.getByIndex(ctx, a.ForeignType, a.ForeignKey, value)
}

func fetchAll(Association) bool { return true }

func fetchUnlinkable(a Association) bool { return a.Kind == Link && a.Unlink != nil }

// link queues the association's create step.
func (e *Engine) link(ctx context.Context, b kv.Batch, localType string, t target, local Resource, id string) error {
	switch t.assoc.Kind {
	case HasOne:
		e.hasOneEntry(localType, t.assoc, t.value).put(b, id, false)
	case HasMany:
		b.SetAdd(e.keys.HasMany(localType, t.assoc.ForeignType, t.value, t.assoc.SetName), id)
	case Link:
		if err := t.assoc.Link(ctx, b, local, t.foreign); err != nil {
			return fmt.Errorf("link %s: %w", t.assoc.Name, err)
		}
	}
	return nil
}

// unlink queues the association's remove step. Has-one entries are guarded
// by the caller.
func (e *Engine) unlink(ctx context.Context, b kv.Batch, localType string, t target, local Resource, id string) error {
	switch t.assoc.Kind {
	case HasMany:
		b.SetRemove(e.keys.HasMany(localType, t.assoc.ForeignType, t.value, t.assoc.SetName), id)
	case Link:
		if t.assoc.Unlink == nil {
			return nil
		}
		if err := t.assoc.Unlink(ctx, b, local, t.foreign); err != nil {
			return fmt.Errorf("unlink %s: %w", t.assoc.Name, err)
		}
	}
	return nil
}
