package persist

import (
	"encoding/binary"

	"tlogd/pkg/types"
)

// FormatValue identifies the layout of the persisted state.
const FormatValue = "tlogd/LogServer/1/0"

var (
	formatKey = []byte("Format")

	versionPrefix         = []byte("version/")
	knownCommittedPrefix  = []byte("knownCommitted/")
	localityPrefix        = []byte("Locality/")
	recoveryCountPrefix   = []byte("DbRecoveryCount/")
	protocolVersionPrefix = []byte("ProtocolVersion/")
	spillTypePrefix       = []byte("TLogSpillType/")
	tagPopPrefix          = []byte("TagPop/")
	tagMsgPrefix          = []byte("TagMsg/")

	generationPrefixes = [][]byte{
		versionPrefix,
		knownCommittedPrefix,
		localityPrefix,
		recoveryCountPrefix,
		protocolVersionPrefix,
		spillTypePrefix,
		tagPopPrefix,
		tagMsgPrefix,
	}
)

func join(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func logKey(prefix []byte, id types.LogID) []byte {
	return join(prefix, id[:])
}

func teamKey(prefix []byte, id types.LogID, team types.StorageTeamID) []byte {
	return join(prefix, id[:], team[:])
}

// msgKey orders spilled messages by version inside (log, team).
func msgKey(id types.LogID, team types.StorageTeamID, v types.Version) []byte {
	return binary.BigEndian.AppendUint64(teamKey(tagMsgPrefix, id, team), uint64(v))
}

func encodeVersion(v types.Version) []byte {
	return binary.LittleEndian.AppendUint64(nil, uint64(v))
}

func decodeVersion(b []byte) types.Version {
	if len(b) != 8 {
		return types.InvalidVersion
	}
	return types.Version(binary.LittleEndian.Uint64(b))
}

func encodeUint64(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)
}

func decodeUint64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}
