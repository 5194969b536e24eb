package llm

import (
	"fmt"
	"strings"

	"github.com/tidwall/sjson"
)

// ApplyBodyOverrides patches body in rule order.
func ApplyBodyOverrides(body []byte, rules []BodyOverride) ([]byte, error) {
	out := body
	for i, rule := range rules {
		path := strings.TrimSpace(rule.Path)
		if path == "" {
			return nil, fmt.Errorf("body_overrides[%d]: missing path", i)
		}
		var err error
		if rule.Delete {
			out, err = sjson.DeleteBytes(out, path)
		} else {
			out, err = sjson.SetBytes(out, path, rule.Value)
		}
		if err != nil {
			return nil, fmt.Errorf("body_overrides[%d] %q: %w", i, path, err)
		}
	}
	return out, nil
}

// finishBody sets the stream flag and applies user overrides last, so overrides
// can change anything the adapter produced.
func finishBody(body []byte, stream bool, req Request) ([]byte, error) {
	out, err := sjson.SetBytes(body, "stream", stream)
	if err != nil {
		return nil, err
	}
	return ApplyBodyOverrides(out, req.BodyOverrides)
}
