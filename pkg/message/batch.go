package message

import (
	"encoding/binary"
	"fmt"

	"tlogd/pkg/types"
)

// VersionedMessages is the message blob of one team at one version.
type VersionedMessages struct {
	Version  types.Version
	Messages []byte
}

// EncodeBatch serializes peeked entries as repeated [i64 version][u32 len][messages].
func EncodeBatch(entries []VersionedMessages) []byte {
	size := 0
	for _, e := range entries {
		size += 8 + 4 + len(e.Messages)
	}

	buf := make([]byte, 0, size)
	for _, e := range entries {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(e.Version))
		buf = appendBytes(buf, e.Messages)
	}
	return buf
}

// DecodeBatch is the inverse of EncodeBatch. Versions must be non-decreasing.
func DecodeBatch(b []byte) ([]VersionedMessages, error) {
	var out []VersionedMessages
	last := types.InvalidVersion
	for len(b) > 0 {
		if len(b) < 8 {
			return nil, ErrMalformed
		}
		v := types.Version(binary.LittleEndian.Uint64(b))
		if v < last {
			return nil, fmt.Errorf("version %d after %d: %w", v, last, ErrMalformed)
		}
		last = v

		msgs, rest, err := readBytes(b[8:])
		if err != nil {
			return nil, err
		}
		out = append(out, VersionedMessages{Version: v, Messages: msgs})
		b = rest
	}
	return out, nil
}

// BatchBytes returns the encoded size of entries.
func BatchBytes(entries []VersionedMessages) int {
	n := 0
	for _, e := range entries {
		n += 8 + 4 + len(e.Messages)
	}
	return n
}
