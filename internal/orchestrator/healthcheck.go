package orchestrator

import (
	"context"
	"time"

	"github.com/johndauphine/dbschema/internal/registry"
)

// HealthCheckResult is the outcome of a connectivity probe.
type HealthCheckResult struct {
	Timestamp      string `json:"timestamp"`
	Healthy        bool   `json:"healthy"`
	Connected      bool   `json:"connected"`
	LatencyMs      int64  `json:"latency_ms"`
	Dialect        string `json:"dialect"`
	Driver         string `json:"driver"`
	DatabaseID     string `json:"database_id"`
	ServerVersion  string `json:"server_version,omitempty"`
	RegistryExists bool   `json:"registry_exists"`
	Error          string `json:"error,omitempty"`
}

const healthCheckTimeout = 30 * time.Second

// HealthCheck probes the connection and the registry table. Failures are
// reported in the result, not as an error.
func (c *Coordinator) HealthCheck(ctx context.Context) *HealthCheckResult {
	result := &HealthCheckResult{
		Timestamp:  time.Now().Format(time.RFC3339),
		Dialect:    c.conn.Dialect().String(),
		Driver:     c.conn.DriverName(),
		DatabaseID: c.conn.ID(),
	}

	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	start := time.Now()
	_, err := c.conn.Query(ctx, "SELECT 1")
	result.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Connected = true

	if result.ServerVersion, err = c.conn.ServerVersion(ctx); err != nil {
		result.Error = err.Error()
		return result
	}
	if result.RegistryExists, err = registry.NewStore(c.conn).Exists(ctx); err != nil {
		result.Error = err.Error()
		return result
	}
	result.Healthy = true
	return result
}
