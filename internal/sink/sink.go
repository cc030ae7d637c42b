// Package sink provides a minimal, filesystem-backed concrete
// implementation of spec.md §6's Writer/Reporter external interfaces — out
// of the hard core (Hierarchy, FileLayout, Cacher, Executor,
// IterativeExecutor+Switch), but wired in so the engine is runnable and
// testable end to end rather than stopping at an unfulfilled interface.
package sink

// Level is a published record's logging level, spec.md §6's
// level∈{info,debug}.
type Level string

const (
	LevelInfo  Level = "info"
	LevelDebug Level = "debug"
)

// ArtifactType is a published record's content kind, spec.md §6's
// type∈{figure, multiFigure, excel, video, binary}.
type ArtifactType string

const (
	TypeFigure      ArtifactType = "figure"
	TypeMultiFigure ArtifactType = "multiFigure"
	TypeExcel       ArtifactType = "excel"
	TypeVideo       ArtifactType = "video"
	TypeBinary      ArtifactType = "binary"
)

// Record is one entry in the Reporter's content database, spec.md §6:
// "{stepName, configID, instanceID, key, type, level, content, index,
// meta}". Content is whatever the caller published; FileSink never
// interprets it, only stores and replays it.
type Record struct {
	StepName   string         `json:"stepName"`
	ConfigID   string         `json:"configID"`
	InstanceID string         `json:"instanceID"`
	Key        string         `json:"key"`
	Type       ArtifactType   `json:"type"`
	Level      Level          `json:"level"`
	Content    any            `json:"content"`
	Index      int            `json:"index"`
	Meta       map[string]any `json:"meta,omitempty"`
}
