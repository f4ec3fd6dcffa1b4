package resource

import (
	"maps"
	"strconv"

	"github.com/tiendc/go-deepcopy"
)

// Resource is a persisted record: field name to value.
type Resource map[string]any

// Clone returns a deep copy of r. Values the copier cannot handle are shared.
func (r Resource) Clone() Resource {
	if r == nil {
		return Resource{}
	}
	var out Resource
	if err := deepcopy.Copy(&out, r); err != nil || out == nil {
		return maps.Clone(r)
	}
	return out
}

// Lookup returns the field formatted as a lookup value, if it is a non-empty
// scalar.
func (r Resource) Lookup(field string) (string, bool) {
	v, ok := r[field]
	if !ok {
		return "", false
	}
	return lookupValue(v)
}

// has reports whether field is present and non-nil.
func (r Resource) has(field string) bool {
	v, ok := r[field]
	return ok && v != nil
}

// lookupValue formats scalar values for use in index and association keys.
// Numbers format without trailing zeros so 42 and 42.0 share an entry.
func lookupValue(v any) (string, bool) {
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case bool:
		s = strconv.FormatBool(t)
	case int:
		s = strconv.FormatInt(int64(t), 10)
	case int8:
		s = strconv.FormatInt(int64(t), 10)
	case int16:
		s = strconv.FormatInt(int64(t), 10)
	case int32:
		s = strconv.FormatInt(int64(t), 10)
	case int64:
		s = strconv.FormatInt(t, 10)
	case uint:
		s = strconv.FormatUint(uint64(t), 10)
	case uint8:
		s = strconv.FormatUint(uint64(t), 10)
	case uint16:
		s = strconv.FormatUint(uint64(t), 10)
	case uint32:
		s = strconv.FormatUint(uint64(t), 10)
	case uint64:
		s = strconv.FormatUint(t, 10)
	case float32:
		s = strconv.FormatFloat(float64(t), 'f', -1, 32)
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return "", false
	}
	return s, s != ""
}
