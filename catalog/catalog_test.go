package catalog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndRecent(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	first := NewRun("lockin")
	first.Started = time.Unix(100, 0)
	require.NoError(t, s.Record(ctx, &first))

	peak := 155.25
	second := Run{Kind: "spectral", Started: time.Unix(200, 0), Steps: 11, PeakMM: &peak, File: "/tmp/x.xlsx"}
	require.NoError(t, s.Record(ctx, &second))
	_, err := uuid.Parse(second.ID)
	assert.NoError(t, err, "empty ids are filled with a uuid")

	runs, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "spectral", runs[0].Kind)
	assert.Equal(t, 11, runs[0].Steps)
	require.NotNil(t, runs[0].PeakMM)
	assert.Equal(t, 155.25, *runs[0].PeakMM)
	assert.Nil(t, runs[1].PeakMM)
	assert.True(t, runs[1].Finished.IsZero())
}

func TestRecordReplacesByID(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	run := NewRun("lockin")
	require.NoError(t, s.Record(ctx, &run))
	run.Finished = run.Started.Add(time.Minute)
	run.Error = "dl225 1PA10: device i/o timeout"
	require.NoError(t, s.Record(ctx, &run))

	runs, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.Error, runs[0].Error)
	assert.Equal(t, run.Finished.UnixNano(), runs[0].Finished.UnixNano())
}
