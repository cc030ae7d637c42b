package sink_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opal-lang/pipeflow/internal/sink"
)

func newSink(t *testing.T) (*sink.FileSink, string, string) {
	t.Helper()
	base := t.TempDir()
	resultsRoot := filepath.Join(base, "results")
	reportsRoot := filepath.Join(base, "reports")
	return sink.NewFileSink(resultsRoot, reportsRoot, "", "mypipeline", "cfg-abc", false), resultsRoot, reportsRoot
}

func TestWritePlacesArtifactUnderResultsRoot(t *testing.T) {
	s, resultsRoot, _ := newSink(t)

	err := s.Write("step1/out.bin", map[string]any{"x": 1}, nil)
	require.NoError(t, err)

	full := filepath.Join(resultsRoot, "step1/out.bin")
	info, err := os.Stat(full)
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(0))
}

func TestPublishDerivesContentAddressedKeyWhenEmpty(t *testing.T) {
	s, _, reportsRoot := newSink(t)

	require.NoError(t, s.Publish(sink.Record{StepName: "step1", Type: sink.TypeBinary, Level: sink.LevelInfo, Content: "hello"}))
	require.NoError(t, s.Publish(sink.Record{StepName: "step2", Type: sink.TypeBinary, Level: sink.LevelInfo, Content: "hello"}))
	require.NoError(t, s.Publish(sink.Record{StepName: "step3", Type: sink.TypeBinary, Level: sink.LevelInfo, Content: "different"}))

	b, err := os.ReadFile(filepath.Join(reportsRoot, "reports.db"))
	require.NoError(t, err)
	var records []sink.Record
	require.NoError(t, json.Unmarshal(b, &records))
	require.Len(t, records, 3)
	require.NotEmpty(t, records[0].Key)

	// Identical content derives the same content-addressed key...
	require.Equal(t, records[0].Key, records[1].Key)
	// ...distinct content does not.
	require.NotEqual(t, records[0].Key, records[2].Key)
}

func TestPublishPersistsAndSurvivesReload(t *testing.T) {
	s, _, reportsRoot := newSink(t)

	require.NoError(t, s.Publish(sink.Record{StepName: "step1", Type: sink.TypeFigure, Level: sink.LevelInfo, Content: "a"}))
	require.NoError(t, s.Publish(sink.Record{StepName: "step2", Type: sink.TypeExcel, Level: sink.LevelDebug, Content: "b"}))

	dbPath := filepath.Join(reportsRoot, "reports.db")
	_, err := os.Stat(dbPath)
	require.NoError(t, err)

	reloaded := sink.NewFileSink(filepath.Join(reportsRoot, "results"), reportsRoot, "", "mypipeline", "cfg-abc", false)
	require.NoError(t, reloaded.Publish(sink.Record{StepName: "step3", Type: sink.TypeVideo, Level: sink.LevelInfo, Content: "c"}))

	b, err := os.ReadFile(dbPath)
	require.NoError(t, err)
	require.Contains(t, string(b), "step1")
	require.Contains(t, string(b), "step2")
	require.Contains(t, string(b), "step3")
}

func TestClearResetsContentDatabase(t *testing.T) {
	s, _, reportsRoot := newSink(t)
	require.NoError(t, s.Publish(sink.Record{StepName: "step1", Type: sink.TypeFigure, Level: sink.LevelInfo, Content: "a"}))

	dbPath := filepath.Join(reportsRoot, "reports.db")
	_, err := os.Stat(dbPath)
	require.NoError(t, err)

	require.NoError(t, s.Clear())
	_, err = os.Stat(dbPath)
	require.True(t, os.IsNotExist(err))
}

func TestCreateReportWritesHTMLAtDerivedPath(t *testing.T) {
	s, _, reportsRoot := newSink(t)
	require.NoError(t, s.Publish(sink.Record{StepName: "step1", Type: sink.TypeFigure, Level: sink.LevelInfo, Content: "a"}))

	path, err := s.CreateReport()
	require.NoError(t, err)
	require.FileExists(t, path)
	require.True(t, strings.HasPrefix(path, reportsRoot))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(b), "step1")
	require.Contains(t, string(b), "mypipeline")
}

func TestCreateReportDebugSuffix(t *testing.T) {
	base := t.TempDir()
	s := sink.NewFileSink(filepath.Join(base, "results"), filepath.Join(base, "reports"), "", "mypipeline", "cfg-abc", true)
	require.NoError(t, s.Publish(sink.Record{StepName: "step1", Type: sink.TypeFigure, Level: sink.LevelInfo, Content: "a"}))

	path, err := s.CreateReport()
	require.NoError(t, err)
	require.Contains(t, filepath.Dir(path), "_debug")
}
