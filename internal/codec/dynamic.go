package codec

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"
)

// Dynamic is the codec for tasks registered without a value type. It stores
// the Go type of the value next to its JSON form and decodes back into that
// type, so an int stays an int across a restart. Elements of []any and
// map[string]any are tagged one by one.
//
// Only registered types can be stored: the builtin scalars, a few common
// slices and maps, time.Time, and whatever RegisterType adds. Encoding any
// other type fails, and a record naming a type this process does not know
// fails to decode, which the stores treat as a miss.
type Dynamic struct{}

type tagged struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

const (
	tagNil   = "nil"
	tagSlice = "[]interface {}"
	tagMap   = "map[string]interface {}"
)

var (
	typesMu sync.RWMutex
	types   = map[string]reflect.Type{}
)

func init() {
	RegisterType[bool]()
	RegisterType[string]()
	RegisterType[int]()
	RegisterType[int8]()
	RegisterType[int16]()
	RegisterType[int32]()
	RegisterType[int64]()
	RegisterType[uint]()
	RegisterType[uint8]()
	RegisterType[uint16]()
	RegisterType[uint32]()
	RegisterType[uint64]()
	RegisterType[float32]()
	RegisterType[float64]()
	RegisterType[[]byte]()
	RegisterType[[]string]()
	RegisterType[[]int]()
	RegisterType[[]float64]()
	RegisterType[map[string]string]()
	RegisterType[map[string]int]()
	RegisterType[time.Time]()
}

// RegisterType makes T storable by Dynamic. T must survive a JSON round trip.
func RegisterType[T any]() {
	t := reflect.TypeOf((*T)(nil)).Elem()
	typesMu.Lock()
	types[typeName(t)] = t
	typesMu.Unlock()
}

func typeName(t reflect.Type) string {
	if t.Name() != "" && t.PkgPath() != "" {
		return t.PkgPath() + "." + t.Name()
	}
	return t.String()
}

func lookupType(name string) (reflect.Type, bool) {
	typesMu.RLock()
	defer typesMu.RUnlock()
	t, ok := types[name]
	return t, ok
}

func (Dynamic) Name() string { return "dynamic" }

func (Dynamic) Encode(v any) ([]byte, error) {
	tv, err := tag(v)
	if err != nil {
		return nil, fmt.Errorf("dynamic encode: %w", err)
	}
	return json.Marshal(tv)
}

func (Dynamic) Decode(data []byte) (any, error) {
	var tv tagged
	if err := json.Unmarshal(data, &tv); err != nil {
		return nil, fmt.Errorf("dynamic decode: %w", err)
	}
	v, err := untag(tv)
	if err != nil {
		return nil, fmt.Errorf("dynamic decode: %w", err)
	}
	return v, nil
}

func tag(v any) (tagged, error) {
	var (
		raw []byte
		err error
	)
	switch x := v.(type) {
	case nil:
		return tagged{Type: tagNil, Value: json.RawMessage("null")}, nil
	case []any:
		items := make([]tagged, len(x))
		for i, item := range x {
			if items[i], err = tag(item); err != nil {
				return tagged{}, fmt.Errorf("index %d: %w", i, err)
			}
		}
		raw, err = json.Marshal(items)
		return tagged{Type: tagSlice, Value: raw}, err
	case map[string]any:
		items := make(map[string]tagged, len(x))
		for k, item := range x {
			if items[k], err = tag(item); err != nil {
				return tagged{}, fmt.Errorf("key %q: %w", k, err)
			}
		}
		raw, err = json.Marshal(items)
		return tagged{Type: tagMap, Value: raw}, err
	}
	name := typeName(reflect.TypeOf(v))
	if _, ok := lookupType(name); !ok {
		return tagged{}, fmt.Errorf("type %s is not registered; call codec.RegisterType or register the task with a typed helper", name)
	}
	if raw, err = json.Marshal(v); err != nil {
		return tagged{}, err
	}
	return tagged{Type: name, Value: raw}, nil
}

func untag(tv tagged) (any, error) {
	switch tv.Type {
	case tagNil:
		return nil, nil
	case tagSlice:
		var items []tagged
		if err := json.Unmarshal(tv.Value, &items); err != nil {
			return nil, err
		}
		out := make([]any, len(items))
		for i, item := range items {
			v, err := untag(item)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = v
		}
		return out, nil
	case tagMap:
		var items map[string]tagged
		if err := json.Unmarshal(tv.Value, &items); err != nil {
			return nil, err
		}
		out := make(map[string]any, len(items))
		for k, item := range items {
			v, err := untag(item)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			out[k] = v
		}
		return out, nil
	}
	t, ok := lookupType(tv.Type)
	if !ok {
		return nil, fmt.Errorf("unknown type %s", tv.Type)
	}
	ptr := reflect.New(t)
	if err := json.Unmarshal(tv.Value, ptr.Interface()); err != nil {
		return nil, err
	}
	return ptr.Elem().Interface(), nil
}
