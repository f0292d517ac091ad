package registry

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v4"
)

// Records are stored as one schema version byte followed by a msgpack body.
const (
	recordVersion byte = 1
	maxRecordSize      = 16 * 1024
)

var (
	ErrRecordTooLarge = errors.New("registry: record exceeds maximum size")
	ErrRecordVersion  = errors.New("registry: unsupported record version")
)

func encodeRecord(v any) ([]byte, error) {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(body)+1 > maxRecordSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(body)+1)
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, recordVersion)
	return append(out, body...), nil
}

func decodeRecord(raw []byte, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty", ErrRecordVersion)
	}
	if raw[0] != recordVersion {
		return fmt.Errorf("%w: %d", ErrRecordVersion, raw[0])
	}
	return msgpack.Unmarshal(raw[1:], v)
}
