package cluster

type Config struct {
	NodeName       string
	BindAddr       string
	RpcAddr        string
	Tags           map[string]string
	StartJoinAddrs []string
	PartitionCount int
}
