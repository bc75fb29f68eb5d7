package checkpoint

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const legacyEvents = `---
- id: 6d8a2b23-0000-4a1b-9c7e-000000000001
  username: admin
  type: VM.CREATE
  level: INFO
  description: 'Successfully completed starting Vm. Vm Id: 12'
  state: Completed
  created: '2014-03-11T10:20:30+0900'
- id: 6d8a2b23-0000-4a1b-9c7e-000000000002
  username: admin
  type: VM.START
  level: INFO
  state: Completed
  created: '2014-03-11T10:20:30+0900'
`

const legacyUsages = `---
:vm_sum: 2
:memory_sum: 3221225472
:cpu_sum: 6
:root_volume_sum: 100
:data_volume_sum: 50
Small: 1
Small_Disk: 1
`

func writeLegacy(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.WriteFile(LegacyEventsPath(dir, "cloudstack"), []byte(legacyEvents), 0o600))
	require.NoError(t, os.WriteFile(LegacyUsagesPath(dir, "cloudstack"), []byte(legacyUsages), 0o600))
}

func TestReadLegacyMapsCounterNames(t *testing.T) {
	dir := t.TempDir()
	writeLegacy(t, dir)
	assert.True(t, LegacyFilesExist(dir, "cloudstack"))

	res, err := ReadLegacy(dir, "cloudstack", savedAt)
	require.NoError(t, err)
	require.True(t, res.ImportedAny)

	assert.Equal(t, Baseline{
		"vm_count":              2,
		"memory_bytes_sum":      3221225472,
		"cpu_count_sum":         6,
		"root_volume_bytes_sum": 100,
		"data_volume_bytes_sum": 50,
		"Small":                 1,
		"Small_Disk":            1,
	}, res.Baseline)

	require.NotNil(t, res.Checkpoint)
	require.Len(t, res.Checkpoint.Events, 2)
	assert.Equal(t, "VM.CREATE", res.Checkpoint.Events[0]["type"])
	ref, err := res.Checkpoint.ReferenceInstant()
	require.NoError(t, err)
	assert.Equal(t, int64(1394500830), ref.Unix())
}

func TestNormalizeYAMLValue(t *testing.T) {
	ts := time.Date(2014, 3, 11, 1, 20, 30, 0, time.UTC)
	got := normalizeYAMLValue(map[string]any{
		"created": ts,
		"nested":  map[any]any{1: "one"},
		"list":    []any{ts},
	})
	assert.Equal(t, map[string]any{
		"created": "2014-03-11T01:20:30+0000",
		"nested":  map[string]any{"1": "one"},
		"list":    []any{"2014-03-11T01:20:30+0000"},
	}, got)
}

func TestReadLegacyAcceptsUnquotedTimestamps(t *testing.T) {
	dir := t.TempDir()
	data := "- id: x\n  created: 2014-03-11T01:20:30Z\n"
	require.NoError(t, os.WriteFile(LegacyEventsPath(dir, "cs"), []byte(data), 0o600))

	res, err := ReadLegacy(dir, "cs", savedAt)
	require.NoError(t, err)
	require.NotNil(t, res.Checkpoint)
	ref, err := res.Checkpoint.ReferenceInstant()
	require.NoError(t, err)
	assert.Equal(t, int64(1394500830), ref.Unix())
}

func TestReadLegacyMissingFiles(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, LegacyFilesExist(dir, "cloudstack"))

	res, err := ReadLegacy(dir, "cloudstack", savedAt)
	require.NoError(t, err)
	assert.False(t, res.ImportedAny)
	assert.Nil(t, res.Checkpoint)
	assert.Empty(t, res.Baseline)
}

func TestReadLegacyRejectsNonIntegerCounter(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(LegacyUsagesPath(dir, "cloudstack"), []byte(":vm_sum: many\n"), 0o600))

	_, err := ReadLegacy(dir, "cloudstack", savedAt)
	assert.Error(t, err)
}

func TestImportLegacyIntoEmptyStore(t *testing.T) {
	ctx := context.Background()
	legacyDir := t.TempDir()
	writeLegacy(t, legacyDir)

	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			res, err := ImportLegacy(ctx, store, legacyDir, "cloudstack", savedAt)
			require.NoError(t, err)
			assert.True(t, res.ImportedAny)

			cp, err := store.LoadCheckpoint(ctx)
			require.NoError(t, err)
			require.NotNil(t, cp)
			assert.Len(t, cp.Events, 2)

			b, err := store.LoadBaseline(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(2), b["vm_count"])

			// Second import must not overwrite.
			_, err = ImportLegacy(ctx, store, legacyDir, "cloudstack", savedAt)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrStateExists))
		})
	}
}
