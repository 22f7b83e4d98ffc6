package kv

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/dmitrijs2005/shotkeeper/internal/common"
)

// MemoryRepository keeps values in a map. Values are copied on the way in
// and out.
type MemoryRepository struct {
	mu    sync.Mutex
	data  map[string][]byte
	quota int64
}

func NewMemoryRepository(quota int64) *MemoryRepository {
	return &MemoryRepository{data: make(map[string][]byte), quota: quota}
}

func (r *MemoryRepository) Get(_ context.Context, key string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.data[key]
	if !ok {
		return nil, nil
	}
	return slices.Clone(v), nil
}

func (r *MemoryRepository) Set(_ context.Context, key string, value []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.quota > 0 {
		var used int64
		for k, v := range r.data {
			if k != key {
				used += int64(len(v))
			}
		}
		if used+int64(len(value)) > r.quota {
			return fmt.Errorf("kv[%s] needs %d bytes, %d of %d used: %w",
				key, len(value), used, r.quota, common.ErrStorageQuota)
		}
	}
	r.data[key] = slices.Clone(value)
	return nil
}

func (r *MemoryRepository) Delete(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.data, key)
	return nil
}

func (r *MemoryRepository) Keys(_ context.Context, prefix string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var keys []string
	for k := range r.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys, nil
}
