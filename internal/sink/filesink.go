package sink

import (
	"encoding/json"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/opal-lang/pipeflow/internal/layout"
)

// FileSink is a minimal concrete Writer/Reporter (spec.md §6): artifacts
// are CBOR-encoded blobs under resultsRoot (mirroring internal/cache's
// choice of CBOR over gob for the same reason — a Leaf's published content
// has no fixed concrete type), and published records accumulate into a
// JSON-encoded content database under reportsRoot, from which CreateReport
// assembles a plain HTML listing on demand.
//
// FileSink is bound to one run: name and configID are fixed at
// construction, matching spec.md §6's reports-root naming
// ("<name><nameHash10><cfgHash10>[_debug]") being a property of a run, not
// of an individual artifact.
type FileSink struct {
	mu sync.Mutex

	resultsRoot string
	reportsRoot string
	dbName      string
	name        string
	configID    string
	debug       bool

	loaded  bool
	records []Record
}

// NewFileSink binds a FileSink to the given roots and run identity. dbName
// defaults to "reports.db" if empty, matching config.Configuration's
// ReportsDBName default.
func NewFileSink(resultsRoot, reportsRoot, dbName, name, configID string, debug bool) *FileSink {
	if dbName == "" {
		dbName = "reports.db"
	}
	return &FileSink{
		resultsRoot: resultsRoot,
		reportsRoot: reportsRoot,
		dbName:      dbName,
		name:        name,
		configID:    configID,
		debug:       debug,
	}
}

// Write implements engine.Writer: dispatch on path/data type is the
// caller's concern (spec.md §6) — FileSink's own minimal capability is to
// CBOR-encode data and place it at resultsRoot/path.
func (s *FileSink) Write(path string, data any, opts map[string]any) error {
	full := filepath.Join(s.resultsRoot, path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("sink: creating directory for %s: %w", path, err)
	}

	encOpts, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return fmt.Errorf("sink: building canonical cbor mode: %w", err)
	}
	b, err := encOpts.Marshal(data)
	if err != nil {
		return fmt.Errorf("sink: encoding artifact for %s: %w", path, err)
	}
	if err := os.WriteFile(full, b, 0o644); err != nil {
		return fmt.Errorf("sink: writing %s: %w", full, err)
	}
	return nil
}

// Publish appends rec to the content database (spec.md §6's Reporter
// superset of Writer), deriving a content-addressed Key when rec.Key is
// empty, and persists the database to disk.
func (s *FileSink) Publish(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return err
	}

	if rec.Key == "" {
		id, err := artifactID(rec.Content)
		if err != nil {
			return err
		}
		rec.Key = id
	}
	if rec.ConfigID == "" {
		rec.ConfigID = s.configID
	}
	rec.Index = len(s.records)

	s.records = append(s.records, rec)
	return s.persist()
}

// Clear implements engine.Reporter: resets the content database, both in
// memory and on disk.
func (s *FileSink) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = nil
	s.loaded = true

	if err := os.Remove(s.dbPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("sink: clearing %s: %w", s.dbPath(), err)
	}
	return nil
}

// CreateReport implements engine.Reporter: assembles an HTML listing of
// every published record and writes it to the reports-root path spec.md §6
// names, returning that path.
func (s *FileSink) CreateReport() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return "", err
	}

	nameHash, err := nameHash10(s.name)
	if err != nil {
		return "", err
	}
	cfgHash, err := cfgHash10(s.configID)
	if err != nil {
		return "", err
	}

	dirName := layout.ReportsDirName(s.name, nameHash, cfgHash, s.debug)
	dir := filepath.Join(s.reportsRoot, dirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("sink: creating report directory %s: %w", dir, err)
	}

	htmlPath := filepath.Join(dir, "report.html")
	f, err := os.Create(htmlPath)
	if err != nil {
		return "", fmt.Errorf("sink: creating %s: %w", htmlPath, err)
	}
	defer f.Close()

	if err := reportTemplate.Execute(f, reportData{Name: s.name, ConfigID: s.configID, Records: s.records}); err != nil {
		return "", fmt.Errorf("sink: rendering report: %w", err)
	}
	return htmlPath, nil
}

func (s *FileSink) dbPath() string {
	return filepath.Join(s.reportsRoot, s.dbName)
}

// load reads the persisted content database into memory the first time
// it's needed, tolerating a missing file (a fresh run has none yet).
func (s *FileSink) load() error {
	if s.loaded {
		return nil
	}
	s.loaded = true

	b, err := os.ReadFile(s.dbPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("sink: reading %s: %w", s.dbPath(), err)
	}
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, &s.records); err != nil {
		return fmt.Errorf("sink: decoding %s: %w", s.dbPath(), err)
	}
	return nil
}

// persist writes the in-memory content database to disk as indented JSON.
func (s *FileSink) persist() error {
	if err := os.MkdirAll(s.reportsRoot, 0o755); err != nil {
		return fmt.Errorf("sink: creating reports root %s: %w", s.reportsRoot, err)
	}
	b, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return fmt.Errorf("sink: encoding content database: %w", err)
	}
	if err := os.WriteFile(s.dbPath(), b, 0o644); err != nil {
		return fmt.Errorf("sink: writing %s: %w", s.dbPath(), err)
	}
	return nil
}

type reportData struct {
	Name     string
	ConfigID string
	Records  []Record
}

var reportTemplate = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html>
<head><title>{{.Name}} — {{.ConfigID}}</title></head>
<body>
<h1>{{.Name}}</h1>
<p>configID: {{.ConfigID}}</p>
<table border="1">
<tr><th>#</th><th>step</th><th>instance</th><th>key</th><th>type</th><th>level</th></tr>
{{range .Records}}<tr><td>{{.Index}}</td><td>{{.StepName}}</td><td>{{.InstanceID}}</td><td>{{.Key}}</td><td>{{.Type}}</td><td>{{.Level}}</td></tr>
{{end}}</table>
</body>
</html>
`))
