package cache

import (
	"encoding/json"
	"fmt"
)

// Cached values carry a one-byte version prefix ahead of the JSON payload so
// the on-disk format can evolve without a migration. A value with an unknown
// prefix fails to decode and is treated as a cache miss by callers.
const codecVersion byte = 0x01

// ErrCodec is returned by Decode for values that do not carry a known
// version prefix or hold malformed JSON.
var ErrCodec = fmt.Errorf("cache: undecodable value")

// Encode wraps a serialized OCR result with the codec version prefix.
func Encode(result json.RawMessage) []byte {
	buf := make([]byte, 0, len(result)+1)
	buf = append(buf, codecVersion)
	return append(buf, result...)
}

// Decode strips the version prefix and returns the serialized OCR result.
func Decode(val []byte) (json.RawMessage, error) {
	if len(val) < 2 || val[0] != codecVersion {
		return nil, fmt.Errorf("%w: bad version prefix", ErrCodec)
	}
	raw := json.RawMessage(val[1:])
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: invalid JSON payload", ErrCodec)
	}
	return raw, nil
}
