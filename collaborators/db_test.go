package collaborators

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryDBExecutionReportsFilterByExecutionID(t *testing.T) {
	db := NewInMemoryDB()
	ctx := context.Background()

	require.NoError(t, db.InsertExecutionReport(ctx, ExecutionReport{ID: "r1", ExecutionID: "E1", Status: "passed"}))
	require.NoError(t, db.InsertExecutionReport(ctx, ExecutionReport{ID: "r2", ExecutionID: "E2", Status: "failed"}))
	require.NoError(t, db.InsertExecutionReport(ctx, ExecutionReport{ID: "r3", ExecutionID: "E1", Status: "passed"}))

	rows, err := db.ListExecutionReports(ctx, "E1")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestInMemoryDBQueryLogsFiltersAndBoundsLimit(t *testing.T) {
	db := NewInMemoryDB()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		level := "info"
		if i%2 == 0 {
			level = "error"
		}
		require.NoError(t, db.InsertLogRow(ctx, LogRow{ID: string(rune('a' + i)), Level: level, Message: "event happened"}))
	}

	rows, err := db.QueryLogs(ctx, "error", "", 2)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	for _, r := range rows {
		assert.Equal(t, "error", r.Level)
	}

	rows, err = db.QueryLogs(ctx, "", "nonexistent", 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
