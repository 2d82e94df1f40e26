package queue

import "time"

type Config struct {
	PollInterval       time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"1s"`
	LockTimeout        time.Duration `env:"QUEUE_LOCK_TIMEOUT" envDefault:"2m"`
	MaxConcurrentTasks int           `env:"QUEUE_MAX_CONCURRENT_TASKS" envDefault:"4"`
	MaxAttempts        int           `env:"QUEUE_MAX_ATTEMPTS" envDefault:"8"`
	SchedulerInterval  time.Duration `env:"QUEUE_SCHEDULER_INTERVAL" envDefault:"30s"`
}
