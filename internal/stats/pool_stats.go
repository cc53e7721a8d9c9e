package stats

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolStats contains connection pool statistics for logging.
type PoolStats struct {
	Name        string // "source" or "target"
	MaxConns    int    // Maximum connections allowed
	ActiveConns int    // Currently active/in-use connections
	IdleConns   int    // Currently idle connections
	WaitCount   int64  // Acquires that had to wait for a connection
	WaitTimeMs  int64  // Total time spent acquiring connections (milliseconds)
}

// FromPgx converts a pgxpool snapshot.
func FromPgx(name string, s *pgxpool.Stat) PoolStats {
	if s == nil {
		return PoolStats{Name: name}
	}
	return PoolStats{
		Name:        name,
		MaxConns:    int(s.MaxConns()),
		ActiveConns: int(s.AcquiredConns()),
		IdleConns:   int(s.IdleConns()),
		WaitCount:   s.EmptyAcquireCount(),
		WaitTimeMs:  s.AcquireDuration().Milliseconds(),
	}
}

// String returns a formatted string for logging pool stats.
func (s PoolStats) String() string {
	return fmt.Sprintf("%s: %d/%d active, %d idle, %d waits (%.1fms avg)",
		s.Name, s.ActiveConns, s.MaxConns, s.IdleConns,
		s.WaitCount, float64(s.WaitTimeMs)/float64(atLeastOne(s.WaitCount)))
}

func atLeastOne(n int64) int64 {
	if n < 1 {
		return 1
	}
	return n
}
