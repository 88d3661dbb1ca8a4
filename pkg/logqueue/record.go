package logqueue

import (
	"encoding/binary"
	"fmt"

	"tlogd/pkg/dberrors"
	"tlogd/pkg/types"

	"github.com/google/uuid"
)

const (
	sizeFieldBytes = 4
	validFlagBytes = 1
	// MaxPayloadBytes bounds a single record; anything larger read back is treated as corruption.
	MaxPayloadBytes = 100 << 20

	validFlag byte = 1
)

// Entry is one commit record: the messages of one storage team at one version.
type Entry struct {
	Version               types.Version
	KnownCommittedVersion types.Version
	ID                    types.LogID
	StorageTeamID         types.StorageTeamID
	Messages              []byte
}

// EncodeRecord frames e as
//
//	[u32 payloadSize][payload][u8 validFlag]
//	payload = [uvarint protocolVersion][i64 version][i64 knownCommitted][16B id][16B team][u32 len][messages]
func EncodeRecord(e Entry) []byte {
	payload := make([]byte, 0, binary.MaxVarintLen64+8+8+16+16+4+len(e.Messages))
	payload = binary.AppendUvarint(payload, types.ProtocolVersion)
	payload = binary.LittleEndian.AppendUint64(payload, uint64(e.Version))
	payload = binary.LittleEndian.AppendUint64(payload, uint64(e.KnownCommittedVersion))
	payload = append(payload, e.ID[:]...)
	payload = append(payload, e.StorageTeamID[:]...)
	payload = binary.LittleEndian.AppendUint32(payload, uint32(len(e.Messages)))
	payload = append(payload, e.Messages...)

	rec := make([]byte, 0, sizeFieldBytes+len(payload)+validFlagBytes)
	rec = binary.LittleEndian.AppendUint32(rec, uint32(len(payload)))
	rec = append(rec, payload...)
	rec = append(rec, validFlag)
	return rec
}

func decodePayload(p []byte) (Entry, error) {
	var e Entry

	protocol, n := binary.Uvarint(p)
	if n <= 0 {
		return e, fmt.Errorf("bad protocol version: %w", dberrors.ErrCorruptedData)
	}
	if protocol>>16 != types.ProtocolVersion>>16 {
		return e, fmt.Errorf("unsupported protocol version %#x: %w", protocol, dberrors.ErrCorruptedData)
	}
	p = p[n:]

	if len(p) < 8+8+16+16+4 {
		return e, fmt.Errorf("short payload: %w", dberrors.ErrCorruptedData)
	}
	e.Version = types.Version(binary.LittleEndian.Uint64(p))
	e.KnownCommittedVersion = types.Version(binary.LittleEndian.Uint64(p[8:]))
	e.ID = uuid.UUID(p[16:32])
	e.StorageTeamID = uuid.UUID(p[32:48])
	size := binary.LittleEndian.Uint32(p[48:])
	p = p[52:]
	if uint32(len(p)) != size {
		return e, fmt.Errorf("messages length %d, payload holds %d: %w", size, len(p), dberrors.ErrCorruptedData)
	}
	e.Messages = p
	return e, nil
}
