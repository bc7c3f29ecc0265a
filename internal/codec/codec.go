// Package codec turns task values into bytes and back for durable stores.
package codec

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Codec encodes and decodes a single task value.
type Codec interface {
	Name() string
	Encode(v any) ([]byte, error)
	Decode(data []byte) (any, error)
}

// JSON encodes values as JSON and decodes them back into T.
type JSON[T any] struct{}

func (JSON[T]) Name() string { return "json" }

func (JSON[T]) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json encode: %w", err)
	}
	return data, nil
}

func (JSON[T]) Decode(data []byte) (any, error) {
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("json decode: %w", err)
	}
	return out, nil
}

// YAML encodes values as YAML and decodes them back into T.
type YAML[T any] struct{}

func (YAML[T]) Name() string { return "yaml" }

func (YAML[T]) Encode(v any) ([]byte, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("yaml encode: %w", err)
	}
	return data, nil
}

func (YAML[T]) Decode(data []byte) (any, error) {
	var out T
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("yaml decode: %w", err)
	}
	return out, nil
}

// Default is used for tasks registered without a typed helper.
var Default Codec = Dynamic{}

// ByName returns the untyped codec registered under name. The empty name
// selects Default. Plain json and yaml keep only the JSON or YAML shape of a
// value, so numbers may come back as a different Go type.
func ByName(name string) (Codec, error) {
	switch name {
	case "", "dynamic":
		return Default, nil
	case "json":
		return JSON[any]{}, nil
	case "yaml":
		return YAML[any]{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}
