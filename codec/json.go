package codec

import (
	"bytes"
	"fmt"

	json "github.com/goccy/go-json"
)

// JSON encodes records as JSON objects. Numbers decode as float64.
var JSON Codec = jsonCodec{}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(record map[string]any) ([]byte, error) {
	if record == nil {
		record = map[string]any{}
	}
	return json.Marshal(record)
}

func (jsonCodec) Unmarshal(data []byte) (map[string]any, error) {
	var record map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&record); err != nil {
		return nil, fmt.Errorf("codec: decode json: %w", err)
	}
	if record == nil {
		return nil, fmt.Errorf("codec: decode json: not an object")
	}
	return record, nil
}
