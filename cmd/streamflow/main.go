package main

import (
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mohitkumar/streamflow/agent"
	"github.com/mohitkumar/streamflow/analytics"
	"github.com/mohitkumar/streamflow/config"
	"github.com/mohitkumar/streamflow/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type cfg struct {
	config.Config
}
type cli struct {
	cfg cfg
}

func setupFlags(cmd *cobra.Command) error {
	hostname, err := os.Hostname()
	if err != nil {
		log.Fatal(err)
	}
	cmd.Flags().String("config-file", "", "Path to config file.")
	cmd.Flags().String("log-level", "info", "debug, info, warn or error")
	cmd.Flags().Int("http-port", 8080, "http port for rest endpoints")
	cmd.Flags().Int("grpc-port", 8099, "grpc port for the health service")

	cmd.Flags().String("storage-impl", "redis", "storage of flows, records and schedules: redis or memory")
	cmd.Flags().String("metadata-storage-impl", "", "storage of workflow definitions: redis, memory or cassandra, defaults to storage-impl")
	cmd.Flags().String("redis-addr", "localhost:6379", "comma separated list of redis host:port")
	cmd.Flags().String("redis-password", "", "redis password")
	cmd.Flags().Int("redis-pool-size", 0, "redis connection pool size, 0 uses the client default")
	cmd.Flags().String("namespace", "streamflow", "namespace used in storage")
	cmd.Flags().String("cassandra-addr", "localhost:9042", "comma separated list of cassandra host:port")
	cmd.Flags().String("cassandra-keyspace", "streamflow", "cassandra keyspace of the metadata tables")

	cmd.Flags().String("node-name", hostname, "unique node name in the cluster")
	cmd.Flags().String("bind-addr", "127.0.0.1:8400", "address serf binds to")
	cmd.Flags().StringSlice("join-addrs", nil, "serf addresses to join")
	cmd.Flags().Int("partitions", 71, "number of partitions")
	cmd.Flags().Bool("membership", false, "join other nodes through serf")

	cmd.Flags().Int("executor-concurrency", 8, "step executor concurrency")
	cmd.Flags().Int("executor-capacity", 512, "step executor queue capacity")
	cmd.Flags().Int("executor-batch-size", 50, "steps polled per partition and tick")
	cmd.Flags().Duration("executor-poll-interval", 0, "step poll interval")
	cmd.Flags().Duration("retry-poll-interval", 0, "retry queue poll interval")
	cmd.Flags().Duration("delay-poll-interval", 0, "delay queue poll interval")
	cmd.Flags().Duration("timeout-poll-interval", 0, "timeout queue poll interval")

	cmd.Flags().String("table", "media-schedules", "name of the record table")
	cmd.Flags().String("table-partition-key", "mediaChannelId", "partition key attribute of the table")
	cmd.Flags().String("table-sort-key", "startDateTime", "sort key attribute of the table, empty for none")
	cmd.Flags().Int64("feed-max-len", 100000, "approximate length the change stream of a partition is trimmed to")

	cmd.Flags().String("feed-consumer", "router", "checkpoint name of the feed consumer")
	cmd.Flags().String("feed-starting-position", "LATEST", "LATEST, TRIM_HORIZON or a sequence number")
	cmd.Flags().Int("feed-batch-size", 10, "events per batch")
	cmd.Flags().Duration("feed-batching-window", 0, "time to wait for a full batch")
	cmd.Flags().Int("feed-max-retry-attempts", 3, "delivery attempts of a failing batch before it is dropped")
	cmd.Flags().Duration("feed-retry-interval", 0, "wait between delivery attempts")
	cmd.Flags().Duration("feed-max-record-age", 0, "events older than this are dropped, 0 keeps all")
	cmd.Flags().Duration("feed-poll-interval", 0, "change log poll interval")

	cmd.Flags().String("schedule-group", "default", "default schedule group")
	cmd.Flags().Duration("schedule-poll-interval", 0, "due schedule poll interval")
	cmd.Flags().Int("schedule-batch-size", 0, "due schedules fired per tick")

	cmd.Flags().String("channel-impl", "memory", "channel control plane: memory or http")
	cmd.Flags().String("channel-endpoint", "", "base url of the channel control endpoint")
	cmd.Flags().Duration("channel-transition-time", 0, "state transition time of the simulated channels")
	cmd.Flags().String("notification-impl", "log", "notification publisher: redis, log or memory")
	cmd.Flags().Duration("manifest-timeout", 0, "stream manifest fetch timeout")
	cmd.Flags().Duration("segment-timeout", 0, "stream segment check timeout")

	cmd.Flags().String("analytics-collector", string(analytics.NOOP_DATA_COLLECTOR), "step data collector: NOOP or LOG_FILE_DATA_COLLECTOR")
	cmd.Flags().String("analytics-file", "streamflow-analytics.log", "file of the log file collector")
	cmd.Flags().String("definitions-dir", "", "directory of workflow and route definition files")
	return viper.BindPFlags(cmd.Flags())
}

func splitAddrs(s string) []string {
	if len(s) == 0 {
		return nil
	}
	return strings.Split(s, ",")
}

func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	var err error

	configFile, err := cmd.Flags().GetString("config-file")
	if err != nil {
		return err
	}
	viper.SetConfigFile(configFile)

	if err = viper.ReadInConfig(); err != nil {
		// it's ok if config file doesn't exist
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return err
		}
	}

	c.cfg.LogLevel = viper.GetString("log-level")
	c.cfg.HttpPort = viper.GetInt("http-port")
	c.cfg.GrpcPort = viper.GetInt("grpc-port")

	c.cfg.StorageType = config.StorageType(viper.GetString("storage-impl"))
	c.cfg.MetadataStorageType = config.StorageType(viper.GetString("metadata-storage-impl"))
	c.cfg.RedisConfig.Addrs = splitAddrs(viper.GetString("redis-addr"))
	c.cfg.RedisConfig.Password = viper.GetString("redis-password")
	c.cfg.RedisConfig.PoolSize = viper.GetInt("redis-pool-size")
	c.cfg.RedisConfig.Namespace = viper.GetString("namespace")
	c.cfg.CassandraConfig.Addrs = splitAddrs(viper.GetString("cassandra-addr"))
	c.cfg.CassandraConfig.KeySpace = viper.GetString("cassandra-keyspace")

	c.cfg.ClusterConfig.NodeName = viper.GetString("node-name")
	c.cfg.ClusterConfig.BindAddr = viper.GetString("bind-addr")
	c.cfg.ClusterConfig.StartJoinAddrs = viper.GetStringSlice("join-addrs")
	c.cfg.ClusterConfig.PartitionCount = viper.GetInt("partitions")
	c.cfg.ClusterConfig.EnableMembership = viper.GetBool("membership")

	c.cfg.EngineConfig.ExecutorConcurrency = viper.GetInt("executor-concurrency")
	c.cfg.EngineConfig.ExecutorCapacity = viper.GetInt("executor-capacity")
	c.cfg.EngineConfig.BatchSize = viper.GetInt("executor-batch-size")
	c.cfg.EngineConfig.PollInterval = viper.GetDuration("executor-poll-interval")
	c.cfg.EngineConfig.RetryPollInterval = viper.GetDuration("retry-poll-interval")
	c.cfg.EngineConfig.DelayPollInterval = viper.GetDuration("delay-poll-interval")
	c.cfg.EngineConfig.TimeoutPollInterval = viper.GetDuration("timeout-poll-interval")

	c.cfg.TableConfig.Name = viper.GetString("table")
	c.cfg.TableConfig.PartitionKey = viper.GetString("table-partition-key")
	c.cfg.TableConfig.SortKey = viper.GetString("table-sort-key")
	c.cfg.TableConfig.FeedMaxLen = viper.GetInt64("feed-max-len")

	c.cfg.FeedConfig.Consumer = viper.GetString("feed-consumer")
	c.cfg.FeedConfig.StartingPosition = viper.GetString("feed-starting-position")
	c.cfg.FeedConfig.BatchSize = viper.GetInt("feed-batch-size")
	c.cfg.FeedConfig.MaxBatchingWindow = viper.GetDuration("feed-batching-window")
	c.cfg.FeedConfig.MaxRetryAttempts = viper.GetInt("feed-max-retry-attempts")
	c.cfg.FeedConfig.RetryInterval = viper.GetDuration("feed-retry-interval")
	c.cfg.FeedConfig.MaxRecordAge = viper.GetDuration("feed-max-record-age")
	c.cfg.FeedConfig.PollInterval = viper.GetDuration("feed-poll-interval")

	c.cfg.SchedulerConfig.Group = viper.GetString("schedule-group")
	c.cfg.SchedulerConfig.PollInterval = viper.GetDuration("schedule-poll-interval")
	c.cfg.SchedulerConfig.BatchSize = viper.GetInt("schedule-batch-size")

	c.cfg.ChannelConfig.Type = config.ChannelType(viper.GetString("channel-impl"))
	c.cfg.ChannelConfig.Endpoint = viper.GetString("channel-endpoint")
	c.cfg.ChannelConfig.TransitionTime = viper.GetDuration("channel-transition-time")
	c.cfg.NotificationConfig.Type = config.NotificationType(viper.GetString("notification-impl"))
	c.cfg.HealthConfig.ManifestTimeout = viper.GetDuration("manifest-timeout")
	c.cfg.HealthConfig.SegmentTimeout = viper.GetDuration("segment-timeout")

	c.cfg.AnalyticsConfig.CollectorType = analytics.DataCollectorType(viper.GetString("analytics-collector"))
	c.cfg.AnalyticsConfig.FileName = viper.GetString("analytics-file")
	c.cfg.DefinitionsDir = viper.GetString("definitions-dir")
	return logger.Init(c.cfg.LogLevel)
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	defer logger.Sync()
	agent, err := agent.New(c.cfg.Config)
	if err != nil {
		return err
	}
	if err = agent.Start(); err != nil {
		_ = agent.Shutdown()
		return err
	}
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	return agent.Shutdown()
}

func main() {
	cli := &cli{}

	cmd := &cobra.Command{
		Use:     "streamflow",
		Short:   "Starts workflows from the change feed of a record table",
		PreRunE: cli.setupConfig,
		RunE:    cli.run,
	}

	if err := setupFlags(cmd); err != nil {
		log.Fatal(err)
	}

	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
