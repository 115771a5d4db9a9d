package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadTrackerClearReadMeterRemovesEntry(t *testing.T) {
	rt, err := NewReadTracker("test")
	require.NoError(t, err)

	dir := t.TempDir()
	table := buildTable(t, dir, 1, map[string]string{"a": "1"})

	rt.RecordRead(table)
	rt.RecordRead(table)
	v, ok := rt.reads.Get(table.BaseFilename())
	require.True(t, ok)
	require.Equal(t, int64(2), v)

	rt.ClearReadMeter(table)
	_, ok = rt.reads.Get(table.BaseFilename())
	require.False(t, ok)
}

func TestReadTrackerDiskUsageGauge(t *testing.T) {
	rt, err := NewReadTracker("test")
	require.NoError(t, err)

	rt.AddDiskUsage(100)
	rt.DecDiskUsage(40)

	metrics, err := rt.Registry().Gather()
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	require.Equal(t, float64(60), metrics[0].GetMetric()[0].GetGauge().GetValue())
}

func TestReadTrackerNotifyDeletingDoesNotPanicWithoutPriorRecordRead(t *testing.T) {
	rt, err := NewReadTracker("test")
	require.NoError(t, err)

	dir := t.TempDir()
	table := buildTable(t, dir, 1, map[string]string{"a": "1"})
	rt.NotifyDeleting(table)
	rt.ClearReadMeter(table)
}
