package scheduler

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRunner struct {
	ran []string
}

func (f *fakeRunner) RunScheduled(testID string) error {
	f.ran = append(f.ran, testID)
	return nil
}

func TestService_AddPersistsEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedules.json")
	svc := New(zap.NewNop(), &fakeRunner{}, path)

	require.NoError(t, svc.Add(Entry{TestID: "t1", Cron: "*/5 * * * * *"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var entries []Entry
	require.NoError(t, json.Unmarshal(data, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "t1", entries[0].TestID)
	assert.Equal(t, "*/5 * * * * *", entries[0].Cron)
}

func TestService_AddRejectsInvalidCron(t *testing.T) {
	svc := New(zap.NewNop(), &fakeRunner{}, filepath.Join(t.TempDir(), "schedules.json"))
	err := svc.Add(Entry{TestID: "t1", Cron: "not-a-cron-expr"})
	assert.Error(t, err)
}

func TestService_RemoveClearsEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedules.json")
	svc := New(zap.NewNop(), &fakeRunner{}, path)

	require.NoError(t, svc.Add(Entry{TestID: "t1", Cron: "*/5 * * * * *"}))
	svc.Remove("t1")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var entries []Entry
	require.NoError(t, json.Unmarshal(data, &entries))
	assert.Empty(t, entries)
}

func TestService_StartLoadsExistingEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedules.json")
	data, err := json.Marshal([]Entry{{TestID: "t1", Cron: "*/5 * * * * *"}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	svc := New(zap.NewNop(), &fakeRunner{}, path)
	require.NoError(t, svc.Start())
	defer svc.Stop()

	assert.Len(t, svc.entryIDs, 1)
}
