package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"kadai/internal/common/cache"
	"kadai/internal/common/db"
	"kadai/internal/common/mq"
	"kadai/internal/common/storage"
	"kadai/internal/judge/pipeline"
	"kadai/internal/judge/repository"
	"kadai/internal/judge/respack"
	"kadai/internal/judge/sandbox"
	"kadai/internal/judge/service"
	"kadai/pkg/utils/logger"

	"github.com/zeromicro/go-zero/core/logx"
	"go.uber.org/zap"
)

func main() {
	configFlag := flag.String("config", "", "Path to config file (optional)")
	flag.Parse()

	appCfg, err := loadAppConfig(resolveConfigPath(*configFlag))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	logx.MustSetup(appCfg.toLogxConf())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mysqlDB, err := db.NewMySQLWithConfig(&appCfg.Database)
	if err != nil {
		logger.Error(ctx, "init database failed", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		_ = mysqlDB.Close()
	}()
	dbProvider := db.NewManager(mysqlDB)

	var cacheClient cache.Cache
	if appCfg.redisEnabled() {
		redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
		if err != nil {
			logger.Error(ctx, "init redis failed", zap.Error(err))
			os.Exit(1)
		}
		defer func() {
			_ = redisCache.Close()
		}()
		cacheClient = redisCache
	}

	var objStorage storage.ObjectStorage
	if appCfg.minioEnabled() {
		minioStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
		if err != nil {
			logger.Error(ctx, "init minio failed", zap.Error(err))
			os.Exit(1)
		}
		objStorage = minioStorage
	}

	var events repository.SummaryEventPublisher
	if appCfg.kafkaEnabled() {
		producer, err := mq.NewKafkaProducer(appCfg.Kafka.toMQConfig())
		if err != nil {
			logger.Error(ctx, "init kafka failed", zap.Error(err))
			os.Exit(1)
		}
		defer func() {
			_ = producer.Close()
		}()
		events = repository.NewMQSummaryEventPublisher(producer, appCfg.Kafka.SummaryTopic)
	}

	dockerClient, err := sandbox.NewClient(ctx)
	if err != nil {
		logger.Error(ctx, "init docker client failed", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		_ = dockerClient.Close()
	}()

	if appCfg.Respack.Object != "" {
		hydrator := respack.NewHydrator(objStorage, cacheClient)
		err := hydrator.Hydrate(ctx, respack.Options{
			Bucket:  appCfg.MinIO.Bucket,
			Object:  appCfg.Respack.Object,
			SHA256:  appCfg.Respack.SHA256,
			DestDir: appCfg.ResourcePath,
		})
		if err != nil {
			logger.Error(ctx, "hydrate resource pack failed", zap.Error(err))
			os.Exit(1)
		}
	}

	submissions := repository.NewSubmissionRepository(dbProvider)
	problems := repository.NewProblemRepositoryWithTTL(dbProvider, cacheClient, appCfg.Problem.TTL, appCfg.Problem.EmptyTTL)

	var progress *repository.ProgressCache
	if cacheClient != nil {
		progress = repository.NewProgressCache(cacheClient, appCfg.Progress.TTL)
	}

	processor, err := pipeline.New(pipeline.Options{
		Submissions: submissions,
		Problems:    problems,
		Runtime:     dockerClient,
		Progress:    progress,
		Events:      events,
		Config:      appCfg.toPipelineConfig(),
	})
	if err != nil {
		logger.Error(ctx, "init judge pipeline failed", zap.Error(err))
		os.Exit(1)
	}

	judgeSvc, err := service.NewService(service.Options{
		Submissions: submissions,
		Judger:      processor,
		Pool:        service.NewPool(appCfg.Worker.PoolSize),
		Tick:        appCfg.Worker.Tick,
	})
	if err != nil {
		logger.Error(ctx, "init judge service failed", zap.Error(err))
		os.Exit(1)
	}

	logger.Info(ctx, "judge service starting",
		zap.String("resource_path", appCfg.ResourcePath),
		zap.String("upload_dir_path", appCfg.UploadDirPath),
		zap.String("cgroup_parent", appCfg.CgroupParent),
		zap.Bool("progress_mirror", progress != nil),
		zap.Bool("summary_events", events != nil))

	// Blocks until the signal context is cancelled; in-flight judgements
	// drain and interrupted rows are requeued before this returns.
	judgeSvc.Run(ctx)
}
