package stream

import (
	"testing"

	"github.com/aws/aws-lambda-go/events"
)

func TestGetStringAttr(t *testing.T) {
	image := map[string]events.DynamoDBAttributeValue{
		"pk":  events.NewStringAttribute("arbor:user:1"),
		"num": events.NewNumberAttribute("42"),
	}

	tests := []struct {
		key  string
		want string
	}{
		{"pk", "arbor:user:1"},
		{"num", ""},
		{"missing", ""},
	}
	for _, tt := range tests {
		if got := getStringAttr(image, tt.key); got != tt.want {
			t.Errorf("getStringAttr(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}

	if got := getStringAttr(nil, "pk"); got != "" {
		t.Errorf("getStringAttr(nil) = %q, want empty", got)
	}
}

func TestGetBinaryAttr(t *testing.T) {
	image := map[string]events.DynamoDBAttributeValue{
		"val": events.NewBinaryAttribute([]byte(`{"a":1}`)),
		"pk":  events.NewStringAttribute("arbor:user:1"),
	}

	if got := getBinaryAttr(image, "val"); string(got) != `{"a":1}` {
		t.Errorf("getBinaryAttr(val) = %q", got)
	}
	if got := getBinaryAttr(image, "pk"); got != nil {
		t.Errorf("getBinaryAttr(pk) = %q, want nil", got)
	}
	if got := getBinaryAttr(image, "missing"); got != nil {
		t.Errorf("getBinaryAttr(missing) = %q, want nil", got)
	}
}
