package agent

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/mohitkumar/streamflow/adapter"
	"github.com/mohitkumar/streamflow/analytics"
	"github.com/mohitkumar/streamflow/channel"
	"github.com/mohitkumar/streamflow/cluster"
	"github.com/mohitkumar/streamflow/config"
	"github.com/mohitkumar/streamflow/engine"
	"github.com/mohitkumar/streamflow/engine/executor"
	"github.com/mohitkumar/streamflow/feed"
	"github.com/mohitkumar/streamflow/health"
	"github.com/mohitkumar/streamflow/logger"
	"github.com/mohitkumar/streamflow/media"
	"github.com/mohitkumar/streamflow/metadata"
	"github.com/mohitkumar/streamflow/metrics"
	"github.com/mohitkumar/streamflow/model"
	"github.com/mohitkumar/streamflow/notify"
	"github.com/mohitkumar/streamflow/persistence"
	"github.com/mohitkumar/streamflow/persistence/cassandra"
	"github.com/mohitkumar/streamflow/persistence/memory"
	"github.com/mohitkumar/streamflow/persistence/redis"
	"github.com/mohitkumar/streamflow/rest"
	"github.com/mohitkumar/streamflow/router"
	"github.com/mohitkumar/streamflow/rpc"
	"github.com/mohitkumar/streamflow/scheduler"
	"github.com/mohitkumar/streamflow/util"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// connectPolicy bounds how long startup waits for storage to answer.
var connectPolicy = model.RetryPolicy{
	IntervalSeconds: 0.5,
	BackoffRate:     2,
	MaxAttempts:     5,
	MaxDelaySeconds: 4,
	JitterStrategy:  model.JITTER_NONE,
}

// Table is a record store together with its change log.
type Table interface {
	persistence.RecordStore
	persistence.ChangeLog
}

type Agent struct {
	Config          config.Config
	ring            *cluster.Ring
	membership      *cluster.Membership
	redisClient     rd.UniversalClient
	flowStorage     persistence.FlowStorage
	scheduleStorage persistence.ScheduleStorage
	metadataStorage persistence.MetadataStorage
	table           Table
	registry        *adapter.Registry
	metadataService *metadata.MetadataServiceImpl
	engine          *engine.FlowEngine
	executors       *executor.Group
	scheduler       *scheduler.Scheduler
	channels        channel.Client
	publisher       notify.Publisher
	definitions     *metadata.Definitions
	feed            *feed.Feed
	router          *router.Router
	httpServer      *rest.Server
	grpcServer      *rpc.Server
	closers         []func()
	shutdown        bool
	shutdowns       chan struct{}
	shutdownLock    sync.Mutex
	wg              sync.WaitGroup
}

func New(config config.Config) (*Agent, error) {
	a := &Agent{
		Config:    config,
		shutdowns: make(chan struct{}),
	}
	setup := []func() error{
		a.setupObservability,
		a.setupRing,
		a.setupStorage,
		a.setupEngine,
		a.setupScheduler,
		a.setupAdapters,
		a.setupDefinitions,
		a.setupFeed,
		a.setupHttpServer,
		a.setupGrpcServer,
		a.setupMembership,
	}
	for _, fn := range setup {
		if err := fn(); err != nil {
			a.close()
			return nil, err
		}
	}
	return a, nil
}

func (a *Agent) setupObservability() error {
	if err := metrics.Register(); err != nil {
		return err
	}
	return analytics.InitDataCollector(a.Config.AnalyticsConfig)
}

func (a *Agent) setupRing() error {
	a.ring = cluster.NewRing(a.Config.ClusterConfig.PartitionCount)
	if a.Config.ClusterConfig.EnableMembership {
		return nil
	}
	rpcAddr, err := a.rpcAddr()
	if err != nil {
		return err
	}
	return a.ring.Join(a.nodeName(), rpcAddr, true)
}

func (a *Agent) nodeName() string {
	if len(a.Config.ClusterConfig.NodeName) != 0 {
		return a.Config.ClusterConfig.NodeName
	}
	host, _ := os.Hostname()
	return host
}

func (a *Agent) rpcAddr() (string, error) {
	if len(a.Config.ClusterConfig.BindAddr) == 0 {
		return fmt.Sprintf("127.0.0.1:%d", a.Config.GrpcPort), nil
	}
	return a.Config.RPCAddr()
}

func (a *Agent) redis() rd.UniversalClient {
	if a.redisClient == nil {
		a.redisClient = redis.NewClient(redis.Config{
			Addrs:     a.Config.RedisConfig.Addrs,
			Namespace: a.Config.RedisConfig.Namespace,
			PoolSize:  a.Config.RedisConfig.PoolSize,
			Password:  a.Config.RedisConfig.Password,
		})
		client := a.redisClient
		a.closers = append(a.closers, func() { client.Close() })
	}
	return a.redisClient
}

func (a *Agent) schema() model.TableSchema {
	tc := a.Config.TableConfig
	return model.TableSchema{Name: tc.Name, PartitionKey: tc.PartitionKey, SortKey: tc.SortKey}
}

func (a *Agent) setupStorage() error {
	ns := a.Config.RedisConfig.Namespace
	switch a.Config.StorageType {
	case config.STORAGE_TYPE_REDIS:
		client := a.redis()
		err := util.Retry(context.Background(), connectPolicy, func() error {
			if err := client.Ping(context.Background()).Err(); err != nil {
				logger.Warn("redis not reachable", zap.Strings("addrs", a.Config.RedisConfig.Addrs), zap.Error(err))
				return err
			}
			return nil
		})
		if err != nil {
			return persistence.StorageLayerError{Message: err.Error()}
		}
		a.flowStorage = redis.NewRedisFlowStorage(client, ns)
		a.scheduleStorage = redis.NewRedisScheduleStorage(client, ns)
		a.metadataStorage = redis.NewRedisMetadataStorage(client, ns)
		a.table = redis.NewRedisTable(client, ns, a.schema(), a.ring, a.Config.TableConfig.FeedMaxLen)
	case config.STORAGE_TYPE_INMEM, "":
		a.flowStorage = memory.NewFlowStorage()
		a.scheduleStorage = memory.NewScheduleStorage()
		a.metadataStorage = memory.NewMetadataStorage()
		a.table = memory.NewTable(a.schema(), a.ring)
	default:
		return fmt.Errorf("storage type %s can not hold flows and records", a.Config.StorageType)
	}

	switch a.Config.MetadataStorageType {
	case config.STORAGE_TYPE_CASSANDRA:
		st, err := cassandra.NewCassandraMetadataStorage(cassandra.Config{
			Addrs:    a.Config.CassandraConfig.Addrs,
			KeySpace: a.Config.CassandraConfig.KeySpace,
		})
		if err != nil {
			return err
		}
		a.metadataStorage = st
		a.closers = append(a.closers, st.Close)
	case config.STORAGE_TYPE_REDIS:
		a.metadataStorage = redis.NewRedisMetadataStorage(a.redis(), ns)
	case config.STORAGE_TYPE_INMEM:
		a.metadataStorage = memory.NewMetadataStorage()
	case "":
	default:
		return fmt.Errorf("unknown metadata storage type %s", a.Config.MetadataStorageType)
	}
	logger.Info("storage ready", zap.String("storage", string(a.Config.StorageType)), zap.String("table", a.schema().Name))
	return nil
}

func (a *Agent) setupEngine() error {
	a.registry = adapter.NewRegistry()
	a.metadataService = metadata.NewMetadataService(a.metadataStorage, a.registry)
	a.engine = engine.NewFlowEngine(a.flowStorage, a.metadataService, a.ring)
	ec := a.Config.EngineConfig
	a.executors = executor.NewEngineExecutors(executor.Config{
		Concurrency:         ec.ExecutorConcurrency,
		Capacity:            ec.ExecutorCapacity,
		BatchSize:           ec.BatchSize,
		PollInterval:        ec.PollInterval,
		RetryPollInterval:   ec.RetryPollInterval,
		DelayPollInterval:   ec.DelayPollInterval,
		TimeoutPollInterval: ec.TimeoutPollInterval,
	}, a.flowStorage, a.engine, a.ring, &a.wg)
	return nil
}

func (a *Agent) setupScheduler() error {
	a.scheduler = scheduler.NewScheduler(a.scheduleStorage, a.engine, a.Config.SchedulerConfig, &a.wg)
	return nil
}

func (a *Agent) setupAdapters() error {
	switch a.Config.ChannelConfig.Type {
	case config.CHANNEL_TYPE_HTTP:
		a.channels = channel.NewHttpClient(a.Config.ChannelConfig.Endpoint, 10*time.Second)
	case config.CHANNEL_TYPE_MEMORY, "":
		a.channels = channel.NewSimulator(a.Config.ChannelConfig.TransitionTime)
	default:
		return fmt.Errorf("unknown channel type %s", a.Config.ChannelConfig.Type)
	}

	switch a.Config.NotificationConfig.Type {
	case config.NOTIFICATION_TYPE_REDIS:
		a.publisher = notify.NewRedisPublisher(a.redis(), a.Config.RedisConfig.Namespace)
	case config.NOTIFICATION_TYPE_MEMORY:
		a.publisher = notify.NewMemoryPublisher()
	case config.NOTIFICATION_TYPE_LOG, "":
		a.publisher = notify.LogPublisher{}
	default:
		return fmt.Errorf("unknown notification type %s", a.Config.NotificationConfig.Type)
	}

	checker := health.NewChecker(a.Config.HealthConfig.ManifestTimeout, a.Config.HealthConfig.SegmentTimeout)
	functions := adapter.NewFunctionAdapter()
	media.RegisterFunctions(functions, checker)

	a.registry.Register(adapter.NewSchedulerAdapter(a.scheduler))
	a.registry.Register(adapter.NewExecutionAdapter(a.engine))
	a.registry.Register(adapter.NewChannelAdapter(a.channels))
	a.registry.Register(adapter.NewNotificationAdapter(a.publisher))
	a.registry.Register(adapter.NewStoreAdapter(a.table))
	a.registry.Register(functions)
	logger.Info("adapters registered", zap.Strings("resources", a.registry.Resources()))
	return nil
}

// setupDefinitions installs the embedded media definitions followed by the
// ones found in the definitions directory, so a file can replace a bundled
// workflow of the same name.
func (a *Agent) setupDefinitions() error {
	defs, err := media.Definitions()
	if err != nil {
		return err
	}
	if dir := a.Config.DefinitionsDir; len(dir) != 0 {
		extra, err := metadata.LoadDefinitions(os.DirFS(dir), ".")
		if err != nil {
			return fmt.Errorf("loading definitions from %s: %w", dir, err)
		}
		defs.Merge(extra)
	}
	if err := defs.Install(context.Background(), a.metadataService); err != nil {
		return err
	}
	a.definitions = defs
	return nil
}

func (a *Agent) setupFeed() error {
	var routes []router.RouteDef
	for _, rt := range a.definitions.Routes {
		if len(rt.Table) == 0 || rt.Table == a.schema().Name {
			routes = append(routes, rt)
			continue
		}
		logger.Warn("route ignored, table is not served", zap.String("route", rt.Name), zap.String("table", rt.Table))
	}
	var err error
	if a.router, err = router.NewRouter(a.engine, routes); err != nil {
		return err
	}
	a.feed = feed.NewFeed(a.table, a.schema().Name, a.Config.FeedConfig, a.ring, &a.wg)
	return nil
}

func (a *Agent) setupHttpServer() error {
	var err error
	a.httpServer, err = rest.NewServer(a.Config.HttpPort, rest.Services{
		Metadata:   a.metadataService,
		Executions: a.engine,
		Records:    a.table,
		Schedules:  a.scheduler,
		Channels:   a.channels,
		Node:       a.ring,
	})
	return err
}

func (a *Agent) setupGrpcServer() error {
	var err error
	a.grpcServer, err = rpc.NewGrpcServer()
	return err
}

func (a *Agent) setupMembership() error {
	cc := a.Config.ClusterConfig
	if !cc.EnableMembership {
		return nil
	}
	rpcAddr, err := a.rpcAddr()
	if err != nil {
		return err
	}
	a.membership, err = cluster.NewMembership(a.ring, cluster.Config{
		NodeName:       a.nodeName(),
		BindAddr:       cc.BindAddr,
		RpcAddr:        rpcAddr,
		Tags:           cc.Tags,
		StartJoinAddrs: cc.StartJoinAddrs,
		PartitionCount: cc.PartitionCount,
	})
	return err
}

func (a *Agent) Start() error {
	a.executors.Start()
	a.scheduler.Start()
	if err := a.feed.Subscribe(context.Background(), a.Config.FeedConfig.StartingPosition, a.router.Handle); err != nil {
		return err
	}

	go func() {
		if err := a.httpServer.Start(); err != nil {
			logger.Error("http server failed", zap.Error(err))
			_ = a.Shutdown()
		}
	}()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", a.Config.GrpcPort))
	if err != nil {
		return err
	}
	go func() {
		logger.Info("starting grpc server on", zap.Int("port", a.Config.GrpcPort))
		if err := a.grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server failed", zap.Error(err))
			_ = a.Shutdown()
		}
	}()
	return nil
}

func (a *Agent) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *Agent) Shutdown() error {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.shutdown {
		return nil
	}
	logger.Info("shutting down server")
	a.shutdown = true
	close(a.shutdowns)

	shutdown := []func() error{
		func() error {
			a.grpcServer.SetServing(false)
			return nil
		},
		func() error {
			if a.membership == nil {
				return nil
			}
			return a.membership.Leave()
		},
		func() error {
			a.feed.Stop()
			a.scheduler.Stop()
			a.executors.Stop()
			return nil
		},
		a.httpServer.Stop,
		func() error {
			logger.Info("stopping grpc server")
			a.grpcServer.Stop()
			return nil
		},
	}
	for _, fn := range shutdown {
		if err := fn(); err != nil {
			return err
		}
	}
	logger.Info("waiting for all services to shutdown...")
	a.wg.Wait()
	a.close()
	return nil
}
