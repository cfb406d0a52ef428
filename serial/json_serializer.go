package serial

import (
	"encoding/json"
	"reflect"
)

// JSONSerializer is method id 0, the built-in "portable" serialisation — kept
// verbatim in spirit from the teacher's codec.JSONCodec: human-readable,
// cross-language, slower than the compact binary method.
type JSONSerializer struct{}

func (c *JSONSerializer) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONSerializer) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONSerializer) MethodID() uint32 { return MethodJSON }
func (c *JSONSerializer) Name() string     { return "json" }

// IsSerialisable accepts anything encoding/json can in principle marshal; channels
// and funcs are the practical exclusions.
func (c *JSONSerializer) IsSerialisable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return false
	default:
		return true
	}
}
