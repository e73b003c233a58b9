package cmd

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/fileforge/fileforge/pkg/clog"
	"github.com/fileforge/fileforge/pkg/config"
	"github.com/fileforge/fileforge/pkg/ffdb"
	"github.com/fileforge/fileforge/pkg/ffdb/stor"
	"github.com/fileforge/fileforge/pkg/ingest"
	"github.com/fileforge/fileforge/pkg/queue"
	"github.com/fileforge/fileforge/pkg/storage"
	"github.com/fileforge/fileforge/pkg/uploads"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ffd",
	Short: "Daemon for the fileforge ingest pipeline",
	Long:  `Daemon for the fileforge ingest pipeline`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		c := config.MustLoadFromDotenv()
		if err := Run(ctx, c); err != nil {
			log.Fatalf("ffd: %s", err)
		}
	},
}

func Run(ctx context.Context, c config.Configer) error {
	if level := c.GetKey("FF_LOG_LEVEL"); level != "" {
		if err := clog.SetGlobalLoggerLevelFromString(level); err != nil {
			log.Warnf("Bad FF_LOG_LEVEL %q: %s", level, err)
		}
	}

	db := ffdb.MustConnectToDB(c)
	if err := ffdb.RunMigrations(db); err != nil {
		return err
	}

	stors := stor.NewGormStors(db)

	rdb := redis.NewClient(&redis.Options{
		Addr:     c.GetKeyWithDefault("FF_REDIS_ADDR", "localhost:6379"),
		Password: c.GetKey("FF_REDIS_PASSWORD"),
		DB:       c.GetIntKeyWithDefault("FF_REDIS_DB", 0),
	})
	defer rdb.Close()

	jobQueue := queue.NewRedisQueue(rdb)
	defer jobQueue.Close()

	router, err := buildRouter(ctx, c)
	if err != nil {
		return err
	}

	tempDir := c.GetKeyWithDefault("FF_TEMP_DIR", os.TempDir())
	if err := os.MkdirAll(tempDir, 0700); err != nil {
		return err
	}

	sessions := uploads.NewSessionManager(stors.UploadSessionStor, tempDir)

	sweeper := uploads.NewSweeper(stors.UploadSessionStor, tempDir, time.Hour)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	orchestrator := ingest.NewOrchestrator(ingest.OrchestratorParams{
		Stors:      stors,
		Queue:      jobQueue,
		Router:     router,
		Policy:     buildPolicy(c),
		Scanner:    buildScanner(c),
		Sessions:   sessions,
		StagingDir: tempDir,
	})

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	workers := queue.NewWorker(jobQueue, c.GetIntKeyWithDefault("FF_WORKERS", 4))
	workers.Register(ingest.JobKindAccept, orchestrator.AcceptHandler())
	workers.Register(ingest.JobKindProcess, orchestrator.ProcessHandler())
	workers.Start(workerCtx)

	log.Infof("ffd started, %d workers", c.GetIntKeyWithDefault("FF_WORKERS", 4))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Infof("Got %s signal, shutting down...", s)

	cancelWorkers()
	jobQueue.Close()
	workers.Wait()
	orchestrator.WaitBackground()

	return nil
}

func buildRouter(ctx context.Context, c config.Configer) (*storage.Router, error) {
	var media, object storage.Provider

	if c.GetKey("FF_CLOUDINARY_CLOUD_NAME") != "" {
		media = storage.NewCloudinaryProvider(storage.CloudinaryConfig{
			BaseURL:   c.GetKeyWithDefault("FF_CLOUDINARY_URL", "https://api.cloudinary.com"),
			CloudName: c.GetKey("FF_CLOUDINARY_CLOUD_NAME"),
			APIKey:    c.GetKey("FF_CLOUDINARY_API_KEY"),
			APISecret: c.GetKey("FF_CLOUDINARY_API_SECRET"),
		})
	}

	if bucket := c.GetKey("FF_S3_BUCKET"); bucket != "" {
		s3cfg := storage.S3Config{
			Region:    c.GetKeyWithDefault("FF_S3_REGION", "us-east-1"),
			Bucket:    bucket,
			AccessKey: c.GetKey("FF_S3_ACCESS_KEY"),
			SecretKey: c.GetKey("FF_S3_SECRET_KEY"),
			Endpoint:  c.GetKey("FF_S3_ENDPOINT"),
		}

		client, err := storage.NewS3Client(ctx, s3cfg)
		if err != nil {
			return nil, err
		}

		object = storage.NewS3Provider(client, s3cfg)
	}

	return storage.NewRouter(media, object), nil
}

func buildPolicy(c config.Configer) *ingest.Policy {
	policy := &ingest.Policy{
		MaxSize:    c.GetInt64KeyWithDefault("FF_MAX_FILE_SIZE", 1024*1024*1024),
		StrictScan: c.GetBoolKeyWithDefault("FF_STRICT_SCAN", false),
	}

	if allowed := c.GetKey("FF_ALLOWED_TYPES"); allowed != "" {
		for _, t := range strings.Split(allowed, ",") {
			if t = strings.TrimSpace(t); t != "" {
				policy.AllowedTypes = append(policy.AllowedTypes, t)
			}
		}
	}

	return policy
}

func buildScanner(c config.Configer) ingest.Scanner {
	addr := c.GetKey("FF_CLAMD_ADDR")
	if addr == "" {
		return nil
	}

	network := c.GetKeyWithDefault("FF_CLAMD_NETWORK", "tcp")

	return ingest.NewClamScanner(network, addr, 30*time.Second)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
