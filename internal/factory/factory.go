package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/google/uuid"

	"github.com/joshuamckenty/anthill/internal/analytics"
	"github.com/joshuamckenty/anthill/internal/bucketing"
	"github.com/joshuamckenty/anthill/internal/client"
	"github.com/joshuamckenty/anthill/internal/config"
	"github.com/joshuamckenty/anthill/internal/directory"
	"github.com/joshuamckenty/anthill/internal/encryption"
	"github.com/joshuamckenty/anthill/internal/events"
	"github.com/joshuamckenty/anthill/internal/quota"
	"github.com/joshuamckenty/anthill/internal/repository"
	redisrepo "github.com/joshuamckenty/anthill/internal/repository/redis"
	"github.com/joshuamckenty/anthill/internal/repository/scylla"
	"github.com/joshuamckenty/anthill/internal/repository/sqlite"
	"github.com/joshuamckenty/anthill/internal/search"
	"github.com/joshuamckenty/anthill/internal/service"
	"github.com/joshuamckenty/anthill/internal/tls"
	"github.com/joshuamckenty/anthill/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.Manager

	// Directory and messaging
	index        *directory.Index
	quotaLimiter *quota.Limiter // only set when quota lives in process
	sendGate     service.SendGate
	publisher    *events.Publisher
	profileFeed  *events.ProfileFeed
	recorder     *analytics.Recorder

	// Repositories
	profileRepository repository.ProfileRepository
	serviceFactory    *service.ServiceFactory

	// instanceID distinguishes this process on the event bus, so the
	// profile feed can skip events it published itself.
	instanceID uuid.UUID

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	factory := &Factory{
		config:     cfg,
		instanceID: uuid.New(),
		closed:     make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		tlsConfig := &tls.TLSConfig{
			EnableTLS:   cfg.Server.EnableTLS,
			AutoCert:    cfg.Server.AutoCert,
			Domain:      cfg.Server.Domain,
			CertFile:    cfg.Server.CertFile,
			KeyFile:     cfg.Server.KeyFile,
			AutoCertDir: cfg.Server.AutoCertDir,
			Email:       cfg.Server.Email,
			Environment: cfg.Environment,
		}
		factory.tlsManager = tls.NewTLSManager(tlsConfig)
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeManagers(); err != nil {
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	if err := factory.initializeRepository(); err != nil {
		return nil, fmt.Errorf("failed to initialize repository: %w", err)
	}

	factory.initializeDirectory()
	factory.startBackground()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("instance_id", factory.instanceID.String()),
		util.String("storage_backend", cfg.Storage.Backend),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)

	return factory, nil
}

// initializeClients initializes the optional external clients with
// health checks. In development a missing backend degrades with a
// warning; in production it aborts startup.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis backs the shared quota windows. Only a healthy client is
	// kept; initializeDirectory falls back to in-process windows when
	// this stays nil.
	if f.config.Quota.Backend == "redis" {
		redisClient, err := client.NewRedisClient(f.config)
		if err == nil {
			if herr := redisClient.HealthCheck(ctx); herr != nil {
				redisClient.Close()
				err = fmt.Errorf("health check: %w", herr)
			}
		}
		if err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
		} else {
			f.redisClient = redisClient
			util.Info("Redis client initialized and healthy")
		}
	}

	// Kafka
	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without eventing", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized")
		}
	}

	// Elasticsearch
	if f.config.Elasticsearch.Enabled {
		if esClient, err := client.NewElasticsearchClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = esClient
			if err := f.esClient.HealthCheck(); err != nil {
				initErrors = append(initErrors, fmt.Errorf("elasticsearch health check: %w", err))
			} else {
				util.Info("Elasticsearch client initialized and healthy")
			}
		}
	}

	// ClickHouse
	if f.config.Clickhouse.Enabled {
		if chClient, err := client.NewClickHouseClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = chClient
			if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("clickhouse health check: %w", err))
			} else {
				util.Info("ClickHouse client initialized and healthy")
			}
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// initializeManagers initializes bucketing and encryption managers
func (f *Factory) initializeManagers() error {
	f.bucketingManager = bucketing.NewManager(f.config.Bucketing.ProfileBuckets)

	var kmsClient *kms.Client
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			return fmt.Errorf("failed to load AWS config for KMS: %w", err)
		}
		kmsClient = kms.NewFromConfig(awsCfg)
	}
	f.encryptionManager = encryption.NewEncryptionManager(f.config, kmsClient)

	util.Info("Managers initialized successfully",
		util.Int("profile_buckets", f.config.Bucketing.ProfileBuckets),
		util.Bool("kms_enabled", f.config.KMS.Enabled),
	)

	return nil
}

// initializeRepository opens the profile store. Storage failures are
// fatal in every environment; there is no degraded mode without the
// system of record.
func (f *Factory) initializeRepository() error {
	switch f.config.Storage.Backend {
	case "scylla":
		scyllaClient, err := scylla.NewScyllaClient(f.config, util.Get())
		if err != nil {
			return fmt.Errorf("scylla: %w", err)
		}
		if err := scyllaClient.HealthCheck(); err != nil {
			scyllaClient.Close()
			return fmt.Errorf("scylla health check: %w", err)
		}
		f.scyllaClient = scyllaClient
		f.profileRepository = scylla.NewProfileRepository(scyllaClient, f.bucketingManager, f.encryptionManager)
		util.Info("ScyllaDB profile repository initialized",
			util.String("keyspace", f.config.Scylla.Keyspace))

	case "sqlite":
		repo, err := sqlite.NewProfileRepository(f.config.SQLite.Path, f.bucketingManager, f.encryptionManager)
		if err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
		f.profileRepository = repo
		util.Info("SQLite profile repository initialized",
			util.String("path", f.config.SQLite.Path))

	default:
		return fmt.Errorf("unknown storage backend %q", f.config.Storage.Backend)
	}

	return nil
}

// initializeDirectory builds the in-memory index and everything that
// feeds it or meters access to it.
func (f *Factory) initializeDirectory() {
	f.index = directory.NewIndex()

	if f.config.Quota.Backend == "redis" && f.redisClient != nil {
		f.sendGate = redisrepo.NewQuotaStore(f.redisClient, f.config.Quota.MaxSendsPerWindow, f.config.Quota.Window)
		util.Info("Messaging quota backed by Redis",
			util.Int("max_sends", f.config.Quota.MaxSendsPerWindow),
			util.Duration("window", f.config.Quota.Window))
	} else {
		if f.config.Quota.Backend == "redis" {
			util.Warn("Redis unavailable; messaging quota falling back to in-process windows")
		}
		f.quotaLimiter = quota.NewLimiter(f.config.Quota.MaxSendsPerWindow, f.config.Quota.Window, f.config.Bucketing.QuotaShards)
		f.sendGate = service.NewMemoryGate(f.quotaLimiter)
		util.Info("Messaging quota kept in process",
			util.Int("max_sends", f.config.Quota.MaxSendsPerWindow),
			util.Duration("window", f.config.Quota.Window),
			util.Int("shards", f.config.Bucketing.QuotaShards))
	}

	if f.kafkaProducer != nil {
		f.publisher = events.NewPublisher(
			f.kafkaProducer,
			f.config.Kafka.ProfileTopic,
			f.config.Kafka.MessageTopic,
			f.instanceID.String(),
		)
		util.Info("Event publisher initialized",
			util.String("profile_topic", f.config.Kafka.ProfileTopic),
			util.String("message_topic", f.config.Kafka.MessageTopic))
	}

	// Each instance consumes with its own group so every one sees the
	// whole profile stream and keeps its own index current.
	if f.config.Kafka.Enabled && f.config.Kafka.ConsumeProfileFeed {
		groupID := f.config.Kafka.GroupPrefix + "-" + f.instanceID.String()
		if consumer, err := client.NewKafkaConsumer(f.config, f.config.Kafka.ProfileTopic, groupID); err != nil {
			util.Warn("Profile feed initialization failed - index updates from other instances disabled", util.ErrorField(err))
		} else {
			f.profileFeed = events.NewProfileFeed(consumer, f.index, f.instanceID.String())
			util.Info("Profile feed initialized", util.String("group_id", groupID))
		}
	}

	if f.clickhouseClient != nil {
		f.recorder = analytics.NewRecorder(f.clickhouseClient, f.bucketingManager)
		util.Info("Analytics recorder initialized")
	}
}

// startBackground launches the long-running maintenance goroutines.
// They all stop when Close cancels the shared context.
func (f *Factory) startBackground() {
	f.bgCtx, f.bgCancel = context.WithCancel(context.Background())

	if f.quotaLimiter != nil {
		f.bg.Add(1)
		go func() {
			defer f.bg.Done()
			f.quotaLimiter.RunJanitor(f.bgCtx, f.config.Quota.CleanupEvery, f.config.Quota.IdleTTL)
		}()
	}

	if f.recorder != nil {
		f.bg.Add(1)
		go func() {
			defer f.bg.Done()
			f.recorder.Run(f.bgCtx)
		}()
	}

	if f.profileFeed != nil {
		f.bg.Add(1)
		go func() {
			defer f.bg.Done()
			f.profileFeed.Run(f.bgCtx)
		}()
	}
}

// ==============================
// Service Factory
// ==============================
func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		// Concrete nils must stay nil interface values, or the service
		// would call through them.
		var publisher service.EventPublisher
		if f.publisher != nil {
			publisher = f.publisher
		}
		var tracker service.AnalyticsTracker
		if f.recorder != nil {
			tracker = f.recorder
		}
		var fulltext service.FulltextIndexer
		if f.esClient != nil {
			fulltext = search.NewFulltext(f.esClient, f.config.Elasticsearch.Index)
		}

		f.serviceFactory = service.NewServiceFactory(
			f.profileRepository,
			f.index,
			f.sendGate,
			publisher,
			tracker,
			fulltext,
			util.Get(),
		)
	}
	return f.serviceFactory
}

// ==============================
// Health Checks
// ==============================

// HealthCheck probes every configured backend. Disabled backends are
// not reported; absence from the map means "not in play", not healthy.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.config.Quota.Backend == "redis" {
		if f.redisClient != nil {
			if err := f.redisClient.HealthCheck(ctx); err != nil {
				healthErrors["redis"] = err
			}
		} else {
			healthErrors["redis"] = fmt.Errorf("redis client not initialized")
		}
	}

	if f.config.Storage.Backend == "scylla" {
		if f.scyllaClient != nil {
			if err := f.scyllaClient.HealthCheck(); err != nil {
				healthErrors["scylla"] = err
			}
		} else {
			healthErrors["scylla"] = fmt.Errorf("scylla client not initialized")
		}
	}

	if f.config.Elasticsearch.Enabled {
		if f.esClient != nil {
			if err := f.esClient.HealthCheck(); err != nil {
				healthErrors["elasticsearch"] = err
			}
		} else {
			healthErrors["elasticsearch"] = fmt.Errorf("elasticsearch client not initialized")
		}
	}

	if f.config.Clickhouse.Enabled {
		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
				healthErrors["clickhouse"] = err
			}
		} else {
			healthErrors["clickhouse"] = fmt.Errorf("clickhouse client not initialized")
		}
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	if f.profileRepository == nil {
		healthErrors["profile_repository"] = fmt.Errorf("profile repository not initialized")
	}

	return healthErrors
}

// ==============================
// Other Utility Methods
// ==============================

func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	// A broken producer degrades eventing, not serving
	delete(healthErrors, "kafka")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.bgCancel != nil {
			f.bgCancel()
		}
		f.bg.Wait()

		if f.profileFeed != nil {
			if err := f.profileFeed.Close(); err != nil {
				util.Error("Failed to close profile feed", util.ErrorField(err))
			} else {
				util.Info("Profile feed closed")
			}
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
			util.Info("Elasticsearch client closed")
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.profileRepository != nil {
			if err := f.profileRepository.Close(); err != nil {
				util.Error("Failed to close profile repository", util.ErrorField(err))
			} else {
				util.Info("Profile repository closed")
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
			util.Info("Encryption manager cache cleared")
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) Index() *directory.Index {
	return f.index
}

func (f *Factory) ProfileRepository() repository.ProfileRepository {
	return f.profileRepository
}

func (f *Factory) EncryptionManager() *encryption.EncryptionManager {
	return f.encryptionManager
}

func (f *Factory) BucketingManager() *bucketing.Manager {
	return f.bucketingManager
}
