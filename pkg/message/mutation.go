// Package message holds the mutation model and the byte layouts the log server stores
// and serves: the per-team message blob carried by a commit, and the batch of
// versioned blobs returned by a peek.
package message

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrMalformed = errors.New("message: malformed encoding")

type MutationType uint8

const (
	SetValue MutationType = iota
	ClearRange
	AddValue
	AppendIfFits
	Max
	Min
	ByteMin
	ByteMax
	CompareAndClear
)

func (t MutationType) String() string {
	switch t {
	case SetValue:
		return "SetValue"
	case ClearRange:
		return "ClearRange"
	case AddValue:
		return "AddValue"
	case AppendIfFits:
		return "AppendIfFits"
	case Max:
		return "Max"
	case Min:
		return "Min"
	case ByteMin:
		return "ByteMin"
	case ByteMax:
		return "ByteMax"
	case CompareAndClear:
		return "CompareAndClear"
	default:
		return fmt.Sprintf("MutationType(%d)", uint8(t))
	}
}

// Mutation is a single change. For ClearRange Param1 and Param2 are the range bounds,
// otherwise they are key and value.
type Mutation struct {
	Type   MutationType
	Param1 []byte
	Param2 []byte
}

func (m Mutation) String() string {
	return fmt.Sprintf("%s(%q, %q)", m.Type, m.Param1, m.Param2)
}

// Message is a mutation positioned inside its version.
type Message struct {
	Subsequence uint32
	Mutation    Mutation
}

// EncodeMessages serializes the messages of one team at one version:
//
//	[u32 count] then per message [u32 subsequence][u8 type][u32 len][param1][u32 len][param2]
func EncodeMessages(msgs []Message) []byte {
	size := 4
	for _, m := range msgs {
		size += 4 + 1 + 4 + len(m.Mutation.Param1) + 4 + len(m.Mutation.Param2)
	}

	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(msgs)))
	for _, m := range msgs {
		buf = binary.LittleEndian.AppendUint32(buf, m.Subsequence)
		buf = append(buf, byte(m.Mutation.Type))
		buf = appendBytes(buf, m.Mutation.Param1)
		buf = appendBytes(buf, m.Mutation.Param2)
	}
	return buf
}

// DecodeMessages is the inverse of EncodeMessages. The returned params alias b.
func DecodeMessages(b []byte) ([]Message, error) {
	if len(b) < 4 {
		return nil, ErrMalformed
	}
	count := binary.LittleEndian.Uint32(b)
	b = b[4:]

	msgs := make([]Message, 0, min(int(count), len(b)/13))
	for i := uint32(0); i < count; i++ {
		if len(b) < 5 {
			return nil, ErrMalformed
		}
		var m Message
		m.Subsequence = binary.LittleEndian.Uint32(b)
		m.Mutation.Type = MutationType(b[4])
		b = b[5:]

		var err error
		if m.Mutation.Param1, b, err = readBytes(b); err != nil {
			return nil, err
		}
		if m.Mutation.Param2, b, err = readBytes(b); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if len(b) != 0 {
		return nil, fmt.Errorf("%d trailing bytes: %w", len(b), ErrMalformed)
	}
	return msgs, nil
}

func appendBytes(buf, b []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

func readBytes(b []byte) ([]byte, []byte, error) {
	if len(b) < 4 {
		return nil, nil, ErrMalformed
	}
	n := binary.LittleEndian.Uint32(b)
	b = b[4:]
	if uint32(len(b)) < n {
		return nil, nil, ErrMalformed
	}
	return b[:n:n], b[n:], nil
}
