package cluster

import (
	"sort"
	"sync"

	"github.com/buraksezer/consistent"
	"github.com/mohitkumar/streamflow/logger"
	"github.com/mohitkumar/streamflow/persistence"
	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"
)

var _ persistence.Partitioner = new(Ring)

type hasher struct{}

func (h hasher) Sum64(data []byte) uint64 {
	return murmur3.Sum64(data)
}

type Node struct {
	Name string
	Addr string
}

func (n Node) String() string {
	return n.Name
}

// Ring maps keys to partitions and partitions to nodes. Record partition keys
// and flow ids share the same partition space.
type Ring struct {
	partitionCount int
	hring          *consistent.Consistent
	nodes          map[string]Node
	localNode      Node
	mu             sync.RWMutex
}

func NewRing(partitionCount int) *Ring {
	if partitionCount < 1 {
		partitionCount = 1
	}
	cfg := consistent.Config{
		PartitionCount:    partitionCount,
		ReplicationFactor: 20,
		Load:              1.25,
		Hasher:            hasher{},
	}
	return &Ring{
		partitionCount: partitionCount,
		hring:          consistent.New(nil, cfg),
		nodes:          make(map[string]Node),
	}
}

func (r *Ring) Join(name, addr string, isLocal bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if isLocal {
		r.localNode = Node{Name: name, Addr: addr}
	}
	if _, ok := r.nodes[name]; ok {
		return nil
	}
	logger.Info("adding member to cluster", zap.String("node", name), zap.String("address", addr), zap.Bool("local", isLocal))
	node := Node{Name: name, Addr: addr}
	r.nodes[name] = node
	r.hring.Add(node)
	return nil
}

func (r *Ring) Leave(name string) error {
	logger.Info("removing member from cluster", zap.String("node", name))
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes, name)
	r.hring.Remove(name)
	return nil
}

func (r *Ring) GetPartition(key string) int {
	return r.hring.FindPartitionID([]byte(key))
}

func (r *Ring) PartitionCount() int {
	return r.partitionCount
}

// LocalPartitions returns the partitions owned by the local node, sorted.
func (r *Ring) LocalPartitions() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.nodes) == 0 || len(r.localNode.Name) == 0 {
		return nil
	}
	partitions := make([]int, 0)
	for i := 0; i < r.partitionCount; i++ {
		owner := r.hring.GetPartitionOwner(i)
		if owner != nil && owner.String() == r.localNode.Name {
			partitions = append(partitions, i)
		}
	}
	sort.Ints(partitions)
	return partitions
}

func (r *Ring) Nodes() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	nodes := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	return nodes
}

func (r *Ring) LocalNode() Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.localNode
}
