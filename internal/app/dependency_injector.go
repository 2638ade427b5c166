package app

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/you-humble/ytgrab/internal/admin"
	"github.com/you-humble/ytgrab/internal/infra/config"
	"github.com/you-humble/ytgrab/internal/infra/events"
	filestore "github.com/you-humble/ytgrab/internal/infra/store/file"
	taskstore "github.com/you-humble/ytgrab/internal/infra/store/task"
	"github.com/you-humble/ytgrab/internal/infra/ytdlp"
	mio "github.com/you-humble/ytgrab/internal/libs/minio"
	natsq "github.com/you-humble/ytgrab/internal/libs/nats"
	rediscli "github.com/you-humble/ytgrab/internal/libs/redis"
	"github.com/you-humble/ytgrab/internal/progress"
	"github.com/you-humble/ytgrab/internal/supervisor"
	"github.com/you-humble/ytgrab/internal/transport"
	"github.com/you-humble/ytgrab/internal/usecase"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

const (
	eventsStream      = "YTGRAB_EVENTS"
	replicaMaxRetries = 3
)

type Router interface {
	MountRoutes(*http.ServeMux) *http.ServeMux
}

type fileStore interface {
	usecase.FileStore
	Close(ctx context.Context) error
}

type dependencyInjector struct {
	cfgPath string
	cfg     *config.Config
	logger  *slog.Logger

	redis     *redis.Client
	taskStore supervisor.TaskStore

	fileStore fileStore
	archiver  supervisor.Archiver

	natsConn *nats.Conn
	js       nats.JetStreamContext
	events   supervisor.EventPublisher

	prober     *ytdlp.Prober
	supervisor *supervisor.Supervisor
	admin      *admin.Server

	usecase transport.Usecase
	handler transport.Handler
	router  Router
}

func newDI(cfgPath string) *dependencyInjector {
	return &dependencyInjector{cfgPath: cfgPath}
}

func (di *dependencyInjector) Config() *config.Config {
	if di.cfg == nil {
		di.cfg = config.MustLoad(di.cfgPath)
	}

	return di.cfg
}

func (di *dependencyInjector) Logger() *slog.Logger {
	if di.logger == nil {
		di.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel(di.Config().LogLevel),
		}))
		slog.SetDefault(di.logger)
	}

	return di.logger
}

func logLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func (di *dependencyInjector) RedisClient(ctx context.Context) *redis.Client {
	if di.redis == nil {
		cfg := di.Config().Redis
		client, err := rediscli.NewClient(ctx, rediscli.Config{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		if err != nil {
			log.Fatalf("TaskStore redis: %+v", err)
		}

		di.redis = client
		di.Logger().Info("connected to redis", slog.String("addr", cfg.Addr))
	}
	return di.redis
}

func (di *dependencyInjector) TaskStore(ctx context.Context) supervisor.TaskStore {
	if di.taskStore == nil {
		switch di.Config().Registry.Backend {
		case config.BackendRedis:
			di.taskStore = taskstore.NewRedisTaskStore(di.RedisClient(ctx))
		default:
			di.taskStore = taskstore.NewMemoryStore()
		}
		di.Logger().Info("initialized task registry", slog.String("backend", di.Config().Registry.Backend))
	}
	return di.taskStore
}

func (di *dependencyInjector) FileStore(ctx context.Context) usecase.FileStore {
	if di.fileStore == nil {
		cfg := di.Config()

		local, err := filestore.NewLocalStore(cfg.BaseDir)
		if err != nil {
			log.Fatalf("FileStore local: %+v", err)
		}
		di.Logger().Info("initialized local file store", slog.String("base_dir", cfg.BaseDir))

		if !cfg.MinIO.Enabled {
			di.fileStore = localOnly{local}
			return di.fileStore
		}

		remote, err := filestore.NewMinIOStore(ctx, mio.Config{
			Endpoint:        cfg.MinIO.Endpoint,
			AccessKeyID:     cfg.MinIO.AccessKeyID,
			SecretAccessKey: cfg.MinIO.SecretAccessKey,
			UseSSL:          cfg.MinIO.UseSSL,
			Bucket:          cfg.MinIO.Bucket,
		})
		if err != nil {
			log.Fatalf("FileStore minio: %+v", err)
		}
		di.Logger().Info(
			"initialized MinIO file store",
			slog.String("endpoint", cfg.MinIO.Endpoint),
			slog.String("bucket", cfg.MinIO.Bucket),
		)

		async := filestore.NewAsyncStore(ctx, local, remote, cfg.QueueCapacity, cfg.PoolSize, replicaMaxRetries)
		di.fileStore = async
		di.archiver = async
		di.Logger().Info(
			"using async file store (local + MinIO)",
			slog.Int("queue_size", cfg.QueueCapacity),
			slog.Int("worker_num", cfg.PoolSize),
			slog.Int("max_retries", replicaMaxRetries),
		)
	}

	return di.fileStore
}

// localOnly gives the plain local store the same lifecycle as the async one.
type localOnly struct {
	usecase.FileStore
}

func (localOnly) Close(context.Context) error { return nil }

func (di *dependencyInjector) NATSConn(ctx context.Context) *nats.Conn {
	if di.natsConn == nil {
		cfg := di.Config()
		nc, err := natsq.NewConnect(cfg.NATS.URL, natsq.Config{
			Name:          cfg.NATS.QueueName,
			MaxReconnects: cfg.NATS.MaxReconnects,
		})
		if err != nil {
			log.Fatalf("NATS connect: %+v", err)
		}
		di.natsConn = nc
	}
	return di.natsConn
}

func (di *dependencyInjector) JetStream(ctx context.Context) nats.JetStreamContext {
	if di.js == nil {
		cfg := di.Config()
		js, err := natsq.NewJetStream(di.NATSConn(ctx), natsq.StreamConfig{
			Name:     eventsStream,
			Subjects: events.Subjects(cfg.NATS.Subject),
			MaxAge:   2 * cfg.TaskTTL,
		})
		if err != nil {
			log.Fatalf("DI JetStream: %+v", err)
		}

		di.js = js
	}
	return di.js
}

// Events is nil when NATS is disabled.
func (di *dependencyInjector) Events(ctx context.Context) supervisor.EventPublisher {
	if di.events == nil && di.Config().NATS.Enabled {
		di.events = events.New(di.JetStream(ctx), di.Config().NATS.Subject)
		di.Logger().Info("publishing task events", slog.String("subject", di.Config().NATS.Subject))
	}
	return di.events
}

func (di *dependencyInjector) Prober() *ytdlp.Prober {
	if di.prober == nil {
		cfg := di.Config().Ytdlp
		di.prober = ytdlp.NewProber(cfg.Path, cfg.ProbeTimeout)
	}
	return di.prober
}

func (di *dependencyInjector) Supervisor(ctx context.Context) *supervisor.Supervisor {
	if di.supervisor == nil {
		cfg := di.Config()

		launcher := ytdlp.NewLauncher(ytdlp.Config{
			Path:           cfg.Ytdlp.Path,
			FFmpegLocation: cfg.Ytdlp.FFmpegLocation,
			MergeFormat:    cfg.Ytdlp.MergeFormat,
		})

		// the file store decides whether finished downloads are archived
		di.FileStore(ctx)

		opts := []supervisor.Option{}
		if ev := di.Events(ctx); ev != nil {
			opts = append(opts, supervisor.WithEvents(ev))
		}
		if di.archiver != nil {
			opts = append(opts, supervisor.WithArchiver(di.archiver))
		}

		di.supervisor = supervisor.New(
			di.TaskStore(ctx),
			supervisor.LaunchFunc(func(ctx context.Context, spec ytdlp.DownloadSpec) (supervisor.Process, error) {
				p, err := launcher.Launch(ctx, spec)
				if err != nil {
					return nil, err
				}
				return p, nil
			}),
			progress.NewYtdlpParser(),
			opts...,
		)
	}
	return di.supervisor
}

func (di *dependencyInjector) Admin() *admin.Server {
	if di.admin == nil {
		di.admin = admin.New(di.Logger())
	}
	return di.admin
}

func (di *dependencyInjector) Usecase(ctx context.Context) transport.Usecase {
	if di.usecase == nil {
		di.usecase = usecase.New(
			di.Config().CookiesFile,
			di.Supervisor(ctx),
			di.Prober(),
			di.FileStore(ctx),
		)
	}

	return di.usecase
}

func (di *dependencyInjector) Handler(ctx context.Context) transport.Handler {
	if di.handler == nil {
		di.handler = transport.NewHandler(di.Usecase(ctx))
	}

	return di.handler
}

func (di *dependencyInjector) Router(ctx context.Context) Router {
	if di.router == nil {
		di.router = transport.NewRouter(di.Handler(ctx))
	}

	return di.router
}
