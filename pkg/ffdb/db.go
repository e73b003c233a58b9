package ffdb

import (
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/fileforge/fileforge/pkg/config"
	"github.com/fileforge/fileforge/pkg/ffdb/ffmodel"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SqliteInMemoryDSN is used by tests to run against an in-memory database.
const SqliteInMemoryDSN = "file::memory:?cache=shared"

func MakeDSNFromConfig(c config.Configer) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.MustGetKey("FF_DB_USERNAME"),
		c.MustGetKey("FF_DB_PASSWORD"),
		c.GetKeyWithDefault("FF_DB_HOST", "localhost"),
		c.GetKeyWithDefault("FF_DB_PORT", "3306"),
		c.MustGetKey("FF_DB_DATABASE"))
}

const maxDBRetries = 5

// MustConnectToDB will attempt to connect to the database maxDBRetries times.
// If it isn't successful after that number of retries then it will call
// log.Fatalf(), which will cause the server to exit. Between retry attempts
// it will sleep for 3 seconds.
func MustConnectToDB(c config.Configer) *gorm.DB {
	var (
		err error
		db  *gorm.DB
	)

	dsn := MakeDSNFromConfig(c)

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	retryCount := 1
	for {
		db, err = gorm.Open(mysql.Open(dsn), gormConfig)
		switch {
		case err == nil:
			// Connected to db, yay!
			return db
		case retryCount >= maxDBRetries:
			// Retry limit exceeded :-(
			log.Fatalf("Failed to open db: %s", err)
		default:
			// Couldn't connect, so increment count, then wait a bit before trying again.
			retryCount++
			time.Sleep(3 * time.Second)
		}
	}
}

func RunMigrations(db *gorm.DB) error {
	return db.AutoMigrate(
		&ffmodel.File{},
		&ffmodel.UploadSession{},
		&ffmodel.FileVariant{},
	)
}
