package util

import (
	"sync"

	"github.com/spaolacci/murmur3"
)

// KeyedMutex serialises work per key over a fixed set of stripes.
type KeyedMutex struct {
	stripes []sync.Mutex
}

func NewKeyedMutex(stripes int) *KeyedMutex {
	if stripes < 1 {
		stripes = 1
	}
	return &KeyedMutex{stripes: make([]sync.Mutex, stripes)}
}

// Stripe is the index of the mutex guarding key. Keys on one stripe block
// each other.
func (km *KeyedMutex) Stripe(key string) int {
	return int(murmur3.Sum64([]byte(key)) % uint64(len(km.stripes)))
}

func (km *KeyedMutex) Lock(key string) func() {
	mu := &km.stripes[km.Stripe(key)]
	mu.Lock()
	return mu.Unlock
}
