package kv

import "context"

type Repository interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key, replacing any previous value atomically.
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Keys lists keys starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}
