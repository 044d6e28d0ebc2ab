// Package codec centralizes JSON encoding for persisted payloads: shard
// containers and the pipeline state file.
//
// The shard container format is a compatibility boundary: containers written
// by the original fetch tooling must keep decoding, so codecs ignore unknown
// fields and default missing ones.
package codec

// Codec encodes/decodes values.
// Implementations must be safe for concurrent use.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// ByName returns a built-in codec by its stable name.
func ByName(name string) (Codec, bool) {
	switch name {
	case "json":
		return JSON{}, true
	case "go-json":
		return GoJSON{}, true
	default:
		return nil, false
	}
}

// Default is the codec used when none is configured. Shard containers run
// through this on every load and flush, so the fast path matters.
var Default Codec = GoJSON{}
