package transfer

import (
	"fmt"
	"time"
)

// TransferStats tracks timing statistics for profiling
type TransferStats struct {
	QueryTime   time.Duration
	ConvertTime time.Duration
	WriteTime   time.Duration
	Rows        int64
}

func (s *TransferStats) String() string {
	total := s.QueryTime + s.ConvertTime + s.WriteTime
	if total == 0 {
		return "no data"
	}
	return fmt.Sprintf("query=%.1fs (%.0f%%), convert=%.1fs (%.0f%%), write=%.1fs (%.0f%%), rows=%d",
		s.QueryTime.Seconds(), float64(s.QueryTime)/float64(total)*100,
		s.ConvertTime.Seconds(), float64(s.ConvertTime)/float64(total)*100,
		s.WriteTime.Seconds(), float64(s.WriteTime)/float64(total)*100,
		s.Rows)
}

// Add accumulates other into s.
func (s *TransferStats) Add(other TransferStats) {
	s.QueryTime += other.QueryTime
	s.ConvertTime += other.ConvertTime
	s.WriteTime += other.WriteTime
	s.Rows += other.Rows
}
