package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/openiot/hostlink/log2"
	"github.com/openiot/hostlink/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSQLite(t *testing.T) *SQLite {
	s, err := OpenSQLite(log2.NewTest(t, log2.LDebug), filepath.Join(t.TempDir(), "hostlink.db"))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, s.Close()) })
	return s
}

func TestSQLiteTelemetry(t *testing.T) {
	t.Parallel()
	s := testSQLite(t)

	now := time.Now()
	require.NoError(t, s.StoreTelemetry(&proto.TelemetryEvent{
		DeviceID: 7, Field: "temperature", Value: 21.5, ObservedAt: now,
	}))
	require.NoError(t, s.StoreTelemetry(&proto.TelemetryEvent{
		DeviceID: 7, Field: "humidity", Value: 40, ObservedAt: now,
	}))

	var count int
	require.NoError(t, s.db.QueryRow(`select count(*) from sensor_data where dev_id = 7`).Scan(&count))
	assert.Equal(t, 2, count)

	var value float64
	var devTime int64
	require.NoError(t, s.db.QueryRow(
		`select value, device_time from sensor_data where field = 'temperature'`).Scan(&value, &devTime))
	assert.Equal(t, 21.5, value)
	assert.Equal(t, now.UnixNano(), devTime)
}

func TestSQLiteCommandAudit(t *testing.T) {
	t.Parallel()
	s := testSQLite(t)

	a := NewCommandAudit(7, "set_speed", 10)
	require.NoError(t, s.StoreCommandAudit(a))
	require.NoError(t, s.StoreCommandAudit(a.Done("ok")))

	var count int
	require.NoError(t, s.db.QueryRow(`select count(*) from command_audit`).Scan(&count))
	assert.Equal(t, 1, count, "same id must upsert")

	var status string
	require.NoError(t, s.db.QueryRow(`select status from command_audit where id = ?`, a.ID).Scan(&status))
	assert.Equal(t, "ok", status)
}

func TestSQLiteOpenEmptyPath(t *testing.T) {
	t.Parallel()
	_, err := OpenSQLite(log2.NewTest(t, log2.LDebug), "")
	assert.Error(t, err)
}
