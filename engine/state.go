package engine

import (
	"time"

	"github.com/hupe1980/hashsift/codec"
	"github.com/hupe1980/hashsift/internal/fs"
)

// State holds the crash-recoverable aggregate counters for a pipeline.
//
// It is advisory: the progress bitmap is authoritative for resumption, and
// everything here can be recomputed from the bitmap and the archive. It
// exists so operational tooling can report without touching the archive.
type State struct {
	Version             int               `json:"version"`
	TotalRecords        int64             `json:"totalRecords"`
	TotalMatched        int64             `json:"totalMatched"`
	TotalCandidates     int64             `json:"totalCandidates"`
	TotalSkipped        int64             `json:"totalSkipped"`
	PartitionsProcessed int64             `json:"partitionsProcessed"`
	BatchesWritten      int               `json:"batchesWritten"`
	ShardChecksums      map[string]string `json:"shardChecksums,omitempty"`
	StartedAt           string            `json:"startedAt,omitempty"`
	UpdatedAt           string            `json:"updatedAt,omitempty"`
}

const stateVersion = 1

// LoadState reads the state file at path. A missing or undecodable file
// yields a fresh zero state; counters are advisory and self-healing.
func LoadState(fsys fs.FileSystem, c codec.Codec, path string) State {
	fresh := State{
		Version:        stateVersion,
		ShardChecksums: map[string]string{},
	}

	raw, err := fs.ReadFile(fsys, path)
	if err != nil {
		return fresh
	}

	var st State
	if err := c.Unmarshal(raw, &st); err != nil {
		return fresh
	}
	if st.ShardChecksums == nil {
		st.ShardChecksums = map[string]string{}
	}
	st.Version = stateVersion
	return st
}

// SaveState writes the state atomically.
func SaveState(fsys fs.FileSystem, c codec.Codec, path string, st *State) error {
	st.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	raw, err := c.Marshal(st)
	if err != nil {
		return err
	}
	return fs.WriteFileAtomic(fsys, path, raw, 0o600)
}

// touchStarted stamps StartedAt on the first save of a run.
func (st *State) touchStarted() {
	if st.StartedAt == "" {
		st.StartedAt = time.Now().UTC().Format(time.RFC3339)
	}
}
