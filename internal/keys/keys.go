// Package keys composes namespaced store keys for resources, indexes and sets.
package keys

import "strings"

// Delimiter separates key parts. Parts containing it produce keys that
// cannot be split back unambiguously.
const Delimiter = ":"

// Composer builds keys under a fixed namespace.
type Composer struct {
	namespace string
}

// New returns a Composer for the given namespace.
func New(namespace string) Composer {
	return Composer{namespace: namespace}
}

// Namespace returns the key prefix.
func (c Composer) Namespace() string {
	return c.namespace
}

// Compose joins the namespace and parts with the delimiter.
func (c Composer) Compose(parts ...string) string {
	var b strings.Builder
	n := len(c.namespace)
	for _, p := range parts {
		n += len(p) + 1
	}
	b.Grow(n)
	b.WriteString(c.namespace)
	for _, p := range parts {
		b.WriteString(Delimiter)
		b.WriteString(p)
	}
	return b.String()
}

// Split strips the namespace from key and returns the remaining parts.
// Returns false if key is not under this namespace.
func (c Composer) Split(key string) ([]string, bool) {
	prefix := c.namespace + Delimiter
	if !strings.HasPrefix(key, prefix) {
		return nil, false
	}
	return strings.Split(key[len(prefix):], Delimiter), true
}

// Record returns the primary record key: ns:type:id.
func (c Composer) Record(resourceType, id string) string {
	return c.Compose(resourceType, id)
}

// Index returns the string-layout index key: ns:type:field:value.
func (c Composer) Index(resourceType, field, value string) string {
	return c.Compose(resourceType, field, value)
}

// IndexHash returns the hash-layout index key: ns:type:field.
// Values are stored as hash fields.
func (c Composer) IndexHash(resourceType, field string) string {
	return c.Compose(resourceType, field)
}

// Set returns a collection key: ns:type:name.
func (c Composer) Set(resourceType, name string) string {
	return c.Compose(resourceType, name)
}

// HasOne returns the has-one association key:
// ns:localType:foreignType:foreignKey:value.
func (c Composer) HasOne(localType, foreignType, foreignKey, value string) string {
	return c.Compose(localType, foreignType, foreignKey, value)
}

// HasOneHash returns the hash-layout has-one key:
// ns:localType:foreignType:foreignKey. Values are stored as hash fields.
func (c Composer) HasOneHash(localType, foreignType, foreignKey string) string {
	return c.Compose(localType, foreignType, foreignKey)
}

// HasMany returns the has-many association set key:
// ns:localType:foreignType:value:setName.
func (c Composer) HasMany(localType, foreignType, value, setName string) string {
	return c.Compose(localType, foreignType, value, setName)
}
