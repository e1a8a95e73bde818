package storage

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// exerciseStore runs the behaviour every SessionStore must share
func exerciseStore(t *testing.T, store SessionStore) {
	ctx := context.Background()
	at := time.Date(2025, 6, 17, 9, 10, 0, 0, time.Local)

	records, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)

	_, err = store.Get(ctx, "nobody")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Put(ctx, SessionRecord{Key: "b@y.com", Cookies: "auth=1", UpdatedAt: at}))
	require.NoError(t, store.Put(ctx, SessionRecord{Key: "a@x.com", Cookies: "auth=2", UpdatedAt: at}))
	require.NoError(t, store.Put(ctx, SessionRecord{Key: "default", Cookies: "auth=3", UpdatedAt: at}))

	// last write wins without moving the record
	require.NoError(t, store.Put(ctx, SessionRecord{Key: "b@y.com", Cookies: "auth=4", UpdatedAt: at.Add(time.Hour)}))

	records, err = store.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []string{"b@y.com", "a@x.com", "default"}, keys(records))
	assert.Equal(t, "auth=4", records[0].Cookies)
	assert.True(t, at.Add(time.Hour).Equal(records[0].UpdatedAt), "got %v", records[0].UpdatedAt)

	record, err := store.Get(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, "auth=2", record.Cookies)

	require.NoError(t, store.Delete(ctx, "a@x.com"))
	require.NoError(t, store.Delete(ctx, "a@x.com"))
	_, err = store.Get(ctx, "a@x.com")
	require.ErrorIs(t, err, ErrNotFound)

	records, err = store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b@y.com", "default"}, keys(records))

	require.NoError(t, store.Clear(ctx))
	records, err = store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func keys(records []SessionRecord) []string {
	var out []string
	for _, r := range records {
		out = append(out, r.Key)
	}
	return out
}

func TestJSONFileStore(t *testing.T) {
	store, err := NewJSONFileStore(t.TempDir(), "尚香书苑", "sxsy21.com", quietLogger())
	require.NoError(t, err)
	defer store.Close()

	exerciseStore(t, store)
}

func TestSQLiteStore(t *testing.T) {
	store, err := NewSQLiteStore(":memory:", "尚香书苑", quietLogger())
	require.NoError(t, err)
	defer store.Close()

	exerciseStore(t, store)
}

func TestJSONFileStoreDocumentShape(t *testing.T) {
	dir := t.TempDir()
	store, err := NewJSONFileStore(dir, "尚香书苑", "sxsy21.com", quietLogger())
	require.NoError(t, err)
	store.now = func() time.Time { return time.Date(2025, 6, 17, 9, 10, 0, 0, time.Local) }

	require.NoError(t, store.Put(context.Background(), SessionRecord{Key: "a@x.com", Cookies: "a=1; b=2&c"}))

	assert.Equal(t, filepath.Join(dir, "尚香书苑_cookie.json"), store.Path())
	data, err := os.ReadFile(store.Path())
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "尚香书苑", doc["site_name"])
	assert.Equal(t, "sxsy21.com", doc["host"])
	assert.Equal(t, "2025-06-17 09:10:00", doc["update_time"])
	assert.Equal(t, map[string]interface{}{
		"a@x.com": map[string]interface{}{
			"cookies":     "a=1; b=2&c",
			"update_time": "2025-06-17 09:10:00",
		},
	}, doc["accounts"])
	assert.Contains(t, string(data), "尚香书苑")
	assert.Contains(t, string(data), "b=2&c")
}

func TestJSONFileStoreReadsExistingFileInOrder(t *testing.T) {
	dir := t.TempDir()
	existing := `{
  "site_name": "尚香书苑",
  "host": "sxsy19.com",
  "accounts": {
    "z@x.com": {"cookies": "k=z", "update_time": "2025-06-17 09:10:00"},
    "a@x.com": {"cookies": "k=a", "update_time": "2025-06-18 09:10:00"},
    "default": {"cookies": "k=d", "update_time": "bogus"}
  },
  "update_time": "2025-06-18 09:10:00"
}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "尚香书苑_cookie.json"), []byte(existing), 0600))

	store, err := NewJSONFileStore(dir, "尚香书苑", "", quietLogger())
	require.NoError(t, err)

	records, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"z@x.com", "a@x.com", "default"}, keys(records))
	assert.True(t, records[2].UpdatedAt.IsZero())

	// host is preserved when the store was opened without one
	require.NoError(t, store.Delete(context.Background(), "default"))
	data, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"host": "sxsy19.com"`)
}

func TestJSONFileStoreCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "site_cookie.json"), []byte("{not json"), 0600))

	store, err := NewJSONFileStore(dir, "site", "", quietLogger())
	require.NoError(t, err)

	_, err = store.List(context.Background())
	assert.Error(t, err)
}

func TestSQLiteStoreScopesBySite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "sessions.db")
	ctx := context.Background()

	one, err := NewSQLiteStore(path, "one", quietLogger())
	require.NoError(t, err)
	require.NoError(t, one.Put(ctx, SessionRecord{Key: "a@x.com", Cookies: "k=1"}))
	require.NoError(t, one.Close())

	two, err := NewSQLiteStore(path, "two", quietLogger())
	require.NoError(t, err)
	defer two.Close()

	records, err := two.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSQLiteCheckinHistory(t *testing.T) {
	store, err := NewSQLiteStore(":memory:", "site", quietLogger())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	day := time.Date(2025, 6, 17, 12, 0, 0, 0, time.UTC)

	first := &CheckinRecord{Key: "a@x.com", UID: "1", Message: "签到成功", Balance: 10, Success: true, CreatedAt: day}
	require.NoError(t, store.SaveCheckin(ctx, first))
	assert.NotZero(t, first.ID)

	require.NoError(t, store.SaveCheckin(ctx, &CheckinRecord{Key: "a@x.com", UID: "1", Message: "今日已签", Balance: 10, Success: true, CreatedAt: day.Add(time.Minute)}))
	require.NoError(t, store.SaveCheckin(ctx, &CheckinRecord{Key: "b@y.com", Success: false, CreatedAt: day.Add(2 * time.Minute)}))
	require.NoError(t, store.SaveCheckin(ctx, &CheckinRecord{Key: "b@y.com", Success: true, CreatedAt: day.Add(-48 * time.Hour)}))

	latest, err := store.LatestCheckins(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "今日已签", latest[0].Message)
	assert.Equal(t, "b@y.com", latest[1].Key)
	assert.True(t, latest[1].CreatedAt.Before(day), "latest row by id wins")

	stats, err := store.GetDailyStats(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"checkins": 3, "succeeded": 2, "failed": 1}, stats)
}
