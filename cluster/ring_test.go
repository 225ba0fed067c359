package cluster

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRing(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T){
		"no members owns nothing": func(t *testing.T) {
			ring := NewRing(8)
			require.Empty(t, ring.LocalPartitions())
		},
		"single node owns every partition": func(t *testing.T) {
			ring := NewRing(8)
			require.NoError(t, ring.Join("node-1", "localhost:8099", true))
			require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, ring.LocalPartitions())
		},
		"keys map into the partition range": func(t *testing.T) {
			ring := NewRing(16)
			for i := 0; i < 100; i++ {
				p := ring.GetPartition(fmt.Sprintf("channel-%d", i))
				require.GreaterOrEqual(t, p, 0)
				require.Less(t, p, 16)
				require.Equal(t, p, ring.GetPartition(fmt.Sprintf("channel-%d", i)))
			}
		},
		"partitions move when a node joins and leaves": func(t *testing.T) {
			local := NewRing(32)
			require.NoError(t, local.Join("node-1", "a", true))
			require.NoError(t, local.Join("node-2", "b", false))
			owned := local.LocalPartitions()
			require.NotEmpty(t, owned)
			require.Less(t, len(owned), 32)
			require.Len(t, local.Nodes(), 2)

			require.NoError(t, local.Leave("node-2"))
			require.Len(t, local.LocalPartitions(), 32)
		},
	} {
		t.Run(scenario, fn)
	}
}
