package uploads

import (
	"testing"
	"time"

	"github.com/fileforge/fileforge/pkg/ffdb"
	"github.com/fileforge/fileforge/pkg/ffdb/stor"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type nullLogger struct{}

func (l *nullLogger) Printf(_ string, _ ...interface{}) {
}

func newTestStors(t *testing.T) (*gorm.DB, *stor.Stors) {
	gormLogger := logger.New(&nullLogger{},
		logger.Config{
			SlowThreshold:             time.Second * 5,
			LogLevel:                  logger.Silent,
			IgnoreRecordNotFoundError: true,
			ParameterizedQueries:      true,
			Colorful:                  false,
		})

	db, err := gorm.Open(sqlite.Open(ffdb.SqliteInMemoryDSN), &gorm.Config{Logger: gormLogger})
	require.NoErrorf(t, err, "gorm.Open failed: %s", err)

	sqlitedb, err := db.DB()
	require.NoError(t, err)
	sqlitedb.SetMaxOpenConns(1)

	err = ffdb.RunMigrations(db)
	require.NoErrorf(t, err, "Migration failed with: %s", err)

	t.Cleanup(func() {
		db.Exec("DELETE FROM files")
		db.Exec("DELETE FROM upload_sessions")
		db.Exec("DELETE FROM file_variants")
	})

	return db, stor.NewGormStors(db)
}
