package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"
)

// healthCheckTimeout bounds each side of the health check.
const healthCheckTimeout = 30 * time.Second

// HealthCheck tests connectivity to source and target databases. The two
// checks run in parallel, each with its own timeout, so a slow side cannot
// exhaust the other's budget.
func (o *Orchestrator) HealthCheck(ctx context.Context) (*HealthCheckResult, error) {
	if o.sourceDB == nil || o.targetDB == nil {
		return nil, errors.New("health check requires open connections")
	}
	result := &HealthCheckResult{
		Timestamp: time.Now().Format(time.RFC3339),
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		sourceStart := time.Now()
		sourceCtx, sourceCancel := context.WithTimeout(ctx, healthCheckTimeout)
		defer sourceCancel()

		if err := o.sourceDB.Ping(sourceCtx); err != nil {
			result.SourceError = err.Error()
		} else {
			result.SourceConnected = true
			if tables, err := o.source.ListTables(sourceCtx); err == nil {
				result.SourceTableCount = len(tables)
			}
		}
		result.SourceLatencyMs = time.Since(sourceStart).Milliseconds()
	}()

	go func() {
		defer wg.Done()
		targetStart := time.Now()
		targetCtx, targetCancel := context.WithTimeout(ctx, healthCheckTimeout)
		defer targetCancel()

		if err := o.targetDB.Ping(targetCtx); err != nil {
			result.TargetError = err.Error()
		} else {
			result.TargetConnected = true
		}
		result.TargetLatencyMs = time.Since(targetStart).Milliseconds()
	}()

	wg.Wait()

	result.Healthy = result.SourceConnected && result.TargetConnected
	return result, nil
}
