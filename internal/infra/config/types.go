package config

import "strings"

// Environment identifies the runtime environment where SwapFlow operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Backend selects the implementation behind a pluggable component.
type Backend string

const (
	// BackendMemory keeps state in process.
	BackendMemory Backend = "memory"
	// BackendRedis uses the shared Redis instance.
	BackendRedis Backend = "redis"
	// BackendPostgres uses PostgreSQL.
	BackendPostgres Backend = "postgres"
)

func normalizeBackend(b Backend) Backend {
	return Backend(strings.ToLower(strings.TrimSpace(string(b))))
}
