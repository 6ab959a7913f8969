package collaborators

import (
	"context"
	"strings"
	"sync"
)

// ArtifactMetadata is the row the Writer agent persists for each
// generated test artifact.
type ArtifactMetadata struct {
	ID           string
	TestFilePath string
	Title        string
	Provider     string
	CreatedAt    int64
}

// ExecutionReport is the row the Executor agent persists pointing at
// the produced artifact for one execution.
type ExecutionReport struct {
	ID           string
	ExecutionID  string
	ArtifactPath string
	Status       string
	Message      string
	CreatedAt    int64
}

// TestReport is the row the Reporter agent persists for a generated
// summary file.
type TestReport struct {
	ID          string
	ExecutionID string
	Type        string
	Path        string
	CreatedAt   int64
}

// LogRow is the row the Logger agent persists for every log event.
type LogRow struct {
	ID             string
	Timestamp      int64
	Level          string
	Message        string
	Context        map[string]interface{}
	SourceType     string
	SourceInstance string
	SourceNode     string
	Tags           []string
	CorrelationID  string
}

// DB stands in for the relational persistence schema, explicitly out of
// core scope per spec.md §1/§6.6. The core treats every row as an opaque
// append/read; InMemoryDB is the default implementation, sufficient for
// Writer/Executor/Reporter/Logger to exercise real row shapes without a
// live database driver.
type DB interface {
	InsertArtifactMetadata(ctx context.Context, row ArtifactMetadata) error
	InsertExecutionReport(ctx context.Context, row ExecutionReport) error
	ListExecutionReports(ctx context.Context, executionID string) ([]ExecutionReport, error)
	InsertTestReport(ctx context.Context, row TestReport) error
	ListTestReports(ctx context.Context, executionID string) ([]TestReport, error)
	InsertLogRow(ctx context.Context, row LogRow) error
	QueryLogs(ctx context.Context, levelFilter, substring string, limit int) ([]LogRow, error)
}

// InMemoryDB is an append-only, mutex-protected DB implementation.
type InMemoryDB struct {
	mu               sync.RWMutex
	artifacts        []ArtifactMetadata
	executionReports []ExecutionReport
	testReports      []TestReport
	logs             []LogRow
}

// NewInMemoryDB creates an empty in-memory DB.
func NewInMemoryDB() *InMemoryDB {
	return &InMemoryDB{}
}

func (db *InMemoryDB) InsertArtifactMetadata(ctx context.Context, row ArtifactMetadata) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.artifacts = append(db.artifacts, row)
	return nil
}

func (db *InMemoryDB) InsertExecutionReport(ctx context.Context, row ExecutionReport) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.executionReports = append(db.executionReports, row)
	return nil
}

func (db *InMemoryDB) ListExecutionReports(ctx context.Context, executionID string) ([]ExecutionReport, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var out []ExecutionReport
	for _, r := range db.executionReports {
		if r.ExecutionID == executionID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (db *InMemoryDB) InsertTestReport(ctx context.Context, row TestReport) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.testReports = append(db.testReports, row)
	return nil
}

func (db *InMemoryDB) ListTestReports(ctx context.Context, executionID string) ([]TestReport, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var out []TestReport
	for _, r := range db.testReports {
		if r.ExecutionID == executionID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (db *InMemoryDB) InsertLogRow(ctx context.Context, row LogRow) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.logs = append(db.logs, row)
	return nil
}

// QueryLogs filters stored log rows by level (exact match, ignored when
// empty) and a substring of message (ignored when empty), returning at
// most limit rows, most recent first.
func (db *InMemoryDB) QueryLogs(ctx context.Context, levelFilter, substring string, limit int) ([]LogRow, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var matched []LogRow
	for i := len(db.logs) - 1; i >= 0; i-- {
		row := db.logs[i]
		if levelFilter != "" && row.Level != levelFilter {
			continue
		}
		if substring != "" && !strings.Contains(row.Message, substring) {
			continue
		}
		matched = append(matched, row)
		if limit > 0 && len(matched) >= limit {
			break
		}
	}
	return matched, nil
}

var _ DB = (*InMemoryDB)(nil)
