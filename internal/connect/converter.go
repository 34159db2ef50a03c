package connect

import (
	"fmt"

	"github.com/goccy/go-json"
)

// DefaultConverter is used when a task config names no converter.
const DefaultConverter = "json"

type jsonConverter struct{}

func (jsonConverter) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonConverter) Unmarshal(b []byte) (any, error) {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// rawConverter passes bytes through untouched.
type rawConverter struct{}

func (rawConverter) Marshal(v any) ([]byte, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	default:
		return nil, fmt.Errorf("raw converter: unsupported payload %T", v)
	}
}

func (rawConverter) Unmarshal(b []byte) (any, error) { return b, nil }

func init() {
	RegisterConverter("json", func() Converter { return jsonConverter{} })
	RegisterConverter("raw", func() Converter { return rawConverter{} })
}
