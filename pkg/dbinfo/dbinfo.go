// Package dbinfo holds the cluster view a log server uses to find out that a newer
// recovery has replaced it.
package dbinfo

import (
	"slices"
	"sync"

	"tlogd/pkg/types"
)

// LogSystemConfig lists the log servers of the current and the older, still locked
// generations.
type LogSystemConfig struct {
	TLogs    []types.LogID   `json:"tlogs"`
	OldTLogs [][]types.LogID `json:"oldTlogs,omitempty"`
}

// HasTLog reports whether id is part of any generation of the config.
func (c LogSystemConfig) HasTLog(id types.LogID) bool {
	if slices.Contains(c.TLogs, id) {
		return true
	}
	for _, old := range c.OldTLogs {
		if slices.Contains(old, id) {
			return true
		}
	}
	return false
}

// ServerDBInfo is the part of the cluster controller broadcast a log server reads.
type ServerDBInfo struct {
	RecoveryCount            uint64              `json:"recoveryCount"`
	RecoveryState            types.RecoveryState `json:"recoveryState"`
	LogSystemConfig          LogSystemConfig     `json:"logSystemConfig"`
	PriorCommittedLogServers []types.LogID       `json:"priorCommittedLogServers,omitempty"`
}

// Displaces reports whether info shows that the log server id, recruited at epoch
// recoveryCount, has been replaced and must remove its data.
func (info ServerDBInfo) Displaces(id types.LogID, recoveryCount uint64, primary bool) bool {
	if slices.Contains(info.PriorCommittedLogServers, id) {
		return false
	}
	if info.LogSystemConfig.HasTLog(id) {
		return false
	}
	if info.RecoveryState == types.RecoveryUninitialized {
		return false
	}
	if primary {
		return info.RecoveryCount >= recoveryCount
	}
	return info.RecoveryCount > recoveryCount ||
		(info.RecoveryCount == recoveryCount && info.RecoveryState == types.RecoveryFullyRecovered)
}

// Source hands out the latest db info and a channel closed when it changes.
type Source interface {
	Get() (ServerDBInfo, <-chan struct{})
}

// Var is a Source set directly by its owner.
type Var struct {
	mu      sync.Mutex
	info    ServerDBInfo
	changed chan struct{}
}

func NewVar(info ServerDBInfo) *Var {
	return &Var{info: info, changed: make(chan struct{})}
}

func (v *Var) Get() (ServerDBInfo, <-chan struct{}) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.info, v.changed
}

// Set replaces the db info and wakes everyone waiting for a change.
func (v *Var) Set(info ServerDBInfo) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.info = info
	close(v.changed)
	v.changed = make(chan struct{})
}
