package sweep

import "time"

// WorkerConfig defines the configuration for a background worker.
type WorkerConfig struct {
	// NoOfWorkers specifies the number of concurrent workers.
	NoOfWorkers int
	// ExecInterval is the interval between executions.
	ExecInterval time.Duration
	// Timeout is the maximum duration allowed for a single execution.
	Timeout time.Duration
}

func (c WorkerConfig) isValid() bool {
	return c.NoOfWorkers > 0 && c.ExecInterval > 0 && c.Timeout > 0
}
