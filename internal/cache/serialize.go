package cache

import "github.com/fxamacker/cbor/v2"

// encodeOutput serializes an output tuple for the output store. CBOR, not
// gob, because an output tuple's element types are not known ahead of time
// (a Leaf can return strings, numbers, slices, maps in any combination) and
// gob requires every concrete type flowing through an interface{} to be
// registered; CBOR round-trips dynamic values into plain Go types (string,
// int64/float64, []any, map[string]any) the way encoding/json does.
func encodeOutput(tuple []any) ([]byte, error) {
	return cbor.Marshal(tuple)
}

func decodeOutput(b []byte) ([]any, error) {
	var tuple []any
	if err := cbor.Unmarshal(b, &tuple); err != nil {
		return nil, err
	}
	return tuple, nil
}
