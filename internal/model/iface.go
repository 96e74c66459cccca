package model

import "context"

// Registry kinds.
const (
	KindUsers   = "users"
	KindServers = "servers"
)

// RegistryReader loads persisted name registries.
type RegistryReader interface {
	LoadRegistry(ctx context.Context, kind string) (map[string]int64, error)
}

// ReductionIndex reports which source tables have already been reduced.
type ReductionIndex interface {
	IsReduced(ctx context.Context, table string) (bool, error)
}

// NameResolver maps registry ids back to names for display.
type NameResolver interface {
	Names(ctx context.Context, kind string) (map[int64]string, error)
}
