package codec

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// BSON encodes records as BSON documents. Nested documents and arrays decode
// as map[string]any and []any.
var BSON Codec = bsonCodec{}

type bsonCodec struct{}

func (bsonCodec) Name() string { return "bson" }

func (bsonCodec) Marshal(record map[string]any) ([]byte, error) {
	if record == nil {
		record = map[string]any{}
	}
	return bson.Marshal(bson.M(record))
}

func (bsonCodec) Unmarshal(data []byte) (map[string]any, error) {
	var doc bson.M
	if err := bson.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("codec: decode bson: %w", err)
	}
	record := make(map[string]any, len(doc))
	for k, v := range doc {
		record[k] = normalize(v)
	}
	return record, nil
}

func normalize(v any) any {
	switch t := v.(type) {
	case primitive.M:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = normalize(e)
		}
		return m
	case primitive.D:
		m := make(map[string]any, len(t))
		for _, e := range t {
			m[e.Key] = normalize(e.Value)
		}
		return m
	case primitive.A:
		a := make([]any, len(t))
		for i, e := range t {
			a[i] = normalize(e)
		}
		return a
	}
	return v
}
