package types

import (
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
)

// Version is the database-wide logical commit timestamp handed out by the sequencer.
type Version int64

const (
	// InvalidVersion marks a version that was never assigned.
	InvalidVersion Version = -1
	// MaxVersion is used as the open upper bound of a version range.
	MaxVersion Version = math.MaxInt64
)

// LogID identifies one recruited log generation. Every group recruited by the same
// request shares the LogID.
type LogID = uuid.UUID

// GroupID identifies a log group (one physical disk queue) hosted by the process.
type GroupID = uuid.UUID

// StorageTeamID identifies a logical partition of mutations served by a storage team.
type StorageTeamID = uuid.UUID

// TxsTeam carries system (transaction state) mutations. Its bytes are accounted separately.
var TxsTeam = uuid.MustParse("00000000-0000-0000-0000-00000000f0f0")

// Locality is the data-center locality a generation was recruited in.
type Locality int8

// ProtocolVersion is written into every persisted generation and every queue record.
const ProtocolVersion uint64 = 0x0FDB00B071010000

// TransferModel selects how committed data reaches storage servers. It is fixed at recruitment.
type TransferModel int8

const (
	StorageServerActivelyPull TransferModel = iota
	TLogActivelyPush
)

func (m TransferModel) String() string {
	switch m {
	case StorageServerActivelyPull:
		return "pull"
	case TLogActivelyPush:
		return "push"
	default:
		return fmt.Sprintf("TransferModel(%d)", int8(m))
	}
}

func (m TransferModel) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *TransferModel) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "pull", "":
		*m = StorageServerActivelyPull
	case "push":
		*m = TLogActivelyPush
	default:
		return fmt.Errorf("unknown transfer model %q", string(b))
	}
	return nil
}

// SpillType tells how data leaves memory once the volatile budget is exceeded.
type SpillType int8

const (
	SpillValue SpillType = iota + 1
	SpillReference
)

func (s SpillType) String() string {
	switch s {
	case SpillValue:
		return "value"
	case SpillReference:
		return "reference"
	default:
		return fmt.Sprintf("SpillType(%d)", int8(s))
	}
}

func (s SpillType) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *SpillType) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "value", "":
		*s = SpillValue
	case "reference":
		*s = SpillReference
	default:
		return fmt.Errorf("unknown spill type %q", string(b))
	}
	return nil
}

// RecoveryState mirrors the cluster controller's recovery progress as published in db info.
type RecoveryState int

const (
	RecoveryUninitialized RecoveryState = iota
	RecoveryReadingCoordinatedState
	RecoveryLockingCoordinatedState
	RecoveryRecruiting
	RecoveryTransaction
	RecoveryWritingCoordinatedState
	RecoveryAcceptingCommits
	RecoveryAllLogsRecruited
	RecoveryStorageRecovered
	RecoveryFullyRecovered
)

// MaxVersionOf returns the larger of two versions.
func MaxVersionOf(a, b Version) Version {
	if a > b {
		return a
	}
	return b
}
