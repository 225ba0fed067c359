package config

import (
	"fmt"
	"net"
	"time"

	"github.com/mohitkumar/streamflow/analytics"
)

type StorageType string

const STORAGE_TYPE_REDIS StorageType = "redis"
const STORAGE_TYPE_INMEM StorageType = "memory"
const STORAGE_TYPE_CASSANDRA StorageType = "cassandra"

type ChannelType string

const CHANNEL_TYPE_MEMORY ChannelType = "memory"
const CHANNEL_TYPE_HTTP ChannelType = "http"

type NotificationType string

const NOTIFICATION_TYPE_REDIS NotificationType = "redis"
const NOTIFICATION_TYPE_LOG NotificationType = "log"
const NOTIFICATION_TYPE_MEMORY NotificationType = "memory"

type Config struct {
	RedisConfig         RedisStorageConfig
	CassandraConfig     CassandraStorageConfig
	HttpPort            int
	GrpcPort            int
	StorageType         StorageType
	MetadataStorageType StorageType
	ClusterConfig       ClusterConfig
	EngineConfig        EngineConfig
	FeedConfig          FeedConfig
	TableConfig         TableConfig
	SchedulerConfig     SchedulerConfig
	ChannelConfig       ChannelConfig
	NotificationConfig  NotificationConfig
	HealthConfig        HealthConfig
	AnalyticsConfig     analytics.DataCollectorConfig
	DefinitionsDir      string
	LogLevel            string
}

type ClusterConfig struct {
	NodeName         string
	BindAddr         string
	Tags             map[string]string
	StartJoinAddrs   []string
	PartitionCount   int
	EnableMembership bool
}

func (c Config) RPCAddr() (string, error) {
	host, _, err := net.SplitHostPort(c.ClusterConfig.BindAddr)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", host, c.GrpcPort), nil
}

type RedisStorageConfig struct {
	Addrs     []string
	Namespace string
	PoolSize  int
	Password  string
}

type CassandraStorageConfig struct {
	Addrs    []string
	KeySpace string
}

type EngineConfig struct {
	ExecutorConcurrency int
	ExecutorCapacity    int
	BatchSize           int
	PollInterval        time.Duration
	RetryPollInterval   time.Duration
	DelayPollInterval   time.Duration
	TimeoutPollInterval time.Duration
}

type FeedConfig struct {
	Consumer          string
	StartingPosition  string
	BatchSize         int
	MaxBatchingWindow time.Duration
	MaxRetryAttempts  int
	RetryInterval     time.Duration
	MaxRecordAge      time.Duration
	PollInterval      time.Duration
}

type TableConfig struct {
	Name         string
	PartitionKey string
	SortKey      string
	FeedMaxLen   int64
}

type SchedulerConfig struct {
	Group        string
	PollInterval time.Duration
	BatchSize    int
}

type ChannelConfig struct {
	Type           ChannelType
	Endpoint       string
	TransitionTime time.Duration
}

type NotificationConfig struct {
	Type NotificationType
}

type HealthConfig struct {
	ManifestTimeout time.Duration
	SegmentTimeout  time.Duration
}
