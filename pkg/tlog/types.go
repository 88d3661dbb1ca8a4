package tlog

import (
	"context"
	"time"

	"tlogd/pkg/types"

	"github.com/google/uuid"
)

// CommitRequest carries the messages of one version for the teams of one group.
// StorageTeamID routes the request; Messages may hold blobs for several teams of the
// same group, each encoded with message.EncodeMessages.
type CommitRequest struct {
	StorageTeamID            types.StorageTeamID            `json:"storageTeamId"`
	PrevVersion              types.Version                  `json:"prevVersion"`
	Version                  types.Version                  `json:"version"`
	KnownCommittedVersion    types.Version                  `json:"knownCommittedVersion"`
	MinKnownCommittedVersion types.Version                  `json:"minKnownCommittedVersion"`
	Messages                 map[types.StorageTeamID][]byte `json:"messages,omitempty"`
	DebugID                  string                         `json:"debugId,omitempty"`
}

type CommitReply struct {
	// Version is the durable known committed version of the generation.
	Version types.Version `json:"version"`
}

// PeekRequest asks for the messages of a team from BeginVersion on. LogID selects an
// older generation; the zero value means the team's active generation.
type PeekRequest struct {
	LogID           types.LogID         `json:"logId,omitempty"`
	StorageTeamID   types.StorageTeamID `json:"storageTeamId"`
	BeginVersion    types.Version       `json:"begin"`
	EndVersion      types.Version       `json:"end,omitempty"`
	ReturnIfBlocked bool                `json:"returnIfBlocked,omitempty"`
	OnlySpilled     bool                `json:"onlySpilled,omitempty"`
}

// PeekReply covers [Begin, End). Data is encoded with message.EncodeBatch.
type PeekReply struct {
	Data                     []byte         `json:"data,omitempty"`
	Begin                    types.Version  `json:"begin"`
	End                      types.Version  `json:"end"`
	Popped                   *types.Version `json:"popped,omitempty"`
	MaxKnownVersion          types.Version  `json:"maxKnownVersion"`
	MinKnownCommittedVersion types.Version  `json:"minKnownCommittedVersion"`
	OnlySpilled              bool           `json:"onlySpilled,omitempty"`
}

type PopRequest struct {
	LogID                        types.LogID         `json:"logId,omitempty"`
	StorageTeamID                types.StorageTeamID `json:"storageTeamId"`
	Version                      types.Version       `json:"version"`
	DurableKnownCommittedVersion types.Version       `json:"durableKnownCommittedVersion"`
}

// GroupSpec names a group and the storage teams it serves in a recruitment.
type GroupSpec struct {
	GroupID      types.GroupID         `json:"groupId"`
	StorageTeams []types.StorageTeamID `json:"storageTeams"`
}

// InitializeRequest recruits this process as a log server for a new epoch.
type InitializeRequest struct {
	RecruitmentID uuid.UUID           `json:"recruitmentId"`
	RecoveryCount uint64              `json:"recoveryCount"`
	StartVersion  types.Version       `json:"startVersion"`
	Locality      types.Locality      `json:"locality"`
	SpillType     types.SpillType     `json:"spillType"`
	TransferModel types.TransferModel `json:"transferModel"`
	IsPrimary     bool                `json:"isPrimary"`
	Groups        []GroupSpec         `json:"groups"`
	// PushTargets maps teams to the base URL of the storage server data is pushed to.
	PushTargets map[types.StorageTeamID]string `json:"pushTargets,omitempty"`
}

// Interface is what a recruitment hands back: the id all of its groups share.
type Interface struct {
	LogID         types.LogID         `json:"logId"`
	Groups        []types.GroupID     `json:"groups"`
	TransferModel types.TransferModel `json:"transferModel"`
}

// LockResult is the end of a locked generation within one group.
type LockResult struct {
	GroupID               types.GroupID `json:"groupId"`
	End                   types.Version `json:"end"`
	KnownCommittedVersion types.Version `json:"knownCommittedVersion"`
}

type QueuingMetrics struct {
	GroupID      types.GroupID `json:"groupId"`
	InstanceID   uuid.UUID     `json:"instanceId"`
	BytesInput   int64         `json:"bytesInput"`
	BytesDurable int64         `json:"bytesDurable"`
	StorageBytes int64         `json:"storageBytes"`
	Version      types.Version `json:"version"`
	LocalTime    time.Time     `json:"localTime"`
}

// PushRequest delivers committed messages of one team to its storage server.
type PushRequest struct {
	LogID         types.LogID         `json:"logId"`
	StorageTeamID types.StorageTeamID `json:"storageTeamId"`
	Begin         types.Version       `json:"begin"`
	End           types.Version       `json:"end"`
	Data          []byte              `json:"data,omitempty"`
}

// PushDestination receives pushed data and acknowledges the version it has consumed up to
// (exclusive). It is only handed the next batch after acknowledging the previous one.
type PushDestination interface {
	Push(ctx context.Context, req PushRequest) (types.Version, error)
}
