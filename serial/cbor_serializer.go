package serial

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// CBORSerializer is method id 1, the built-in "compact" serialisation. The teacher
// hand-rolled a custom binary layout (codec.BinaryCodec) purely to shave bytes off
// its own RPCMessage envelope; JennyNet instead wires a real ecosystem codec
// (sourced from nabbar-golib's dependency set) that gives the same compactness
// without reimplementing a length-prefixed field encoder by hand.
type CBORSerializer struct{}

var cborMode = func() cbor.EncMode {
	m, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return m
}()

func (c *CBORSerializer) Encode(v any) ([]byte, error) {
	return cborMode.Marshal(v)
}

func (c *CBORSerializer) Decode(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}

func (c *CBORSerializer) MethodID() uint32 { return MethodCBOR }
func (c *CBORSerializer) Name() string     { return "cbor" }

func (c *CBORSerializer) IsSerialisable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return false
	default:
		return true
	}
}
