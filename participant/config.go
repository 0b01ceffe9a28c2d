package participant

import (
	"time"
)

type Config struct {
	// Delay between attempts of steps that can not give up, like dropping the source
	// collection after the commit
	RetryDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		RetryDelay: time.Second,
	}
}
