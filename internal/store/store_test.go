package store

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestValidateConfig(t *testing.T) {
	valid := Config{Host: "localhost", Port: "5432", User: "pluginhost", DBName: "pluginhost", SSLMode: "disable"}
	require.NoError(t, validateConfig(valid))

	bad := valid
	bad.Host = "bad host!"
	require.Error(t, validateConfig(bad))

	bad = valid
	bad.Port = "not-a-port"
	require.Error(t, validateConfig(bad))

	bad = valid
	bad.User = "bad user"
	require.Error(t, validateConfig(bad))

	bad = valid
	bad.SSLMode = "nonsense"
	require.Error(t, validateConfig(bad))
}

func TestRecordTransitionAndLatestByPlugin(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewForTesting(db)

	mock.ExpectExec("INSERT INTO plugin_install_log").
		WithArgs("analytics", "1.0.0", "LOADED", "").
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, s.RecordTransition("analytics", "1.0.0", "LOADED", ""))

	rows := sqlmock.NewRows([]string{"plugin_name", "version", "state", "reason", "occurred_at"}).
		AddRow("analytics", "1.0.0", "LOADED", nil, time.Now())
	mock.ExpectQuery("SELECT DISTINCT ON").WillReturnRows(rows)

	records, err := s.LatestByPlugin()
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "analytics", records[0].PluginName)
	require.Equal(t, "LOADED", records[0].State)

	require.NoError(t, mock.ExpectationsWereMet())
}
