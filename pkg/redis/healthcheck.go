package redis

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// Pinger is the subset of the client the readiness check needs.
type Pinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// Healthcheck returns a readiness check that fails unless the server
// answers PING with PONG.
func Healthcheck(client Pinger) func(context.Context) error {
	return func(ctx context.Context) error {
		pong, err := client.Ping(ctx).Result()
		if err == nil && pong != "PONG" {
			err = errors.New("unexpected ping reply: " + pong)
		}
		if err != nil {
			return errors.Join(ErrHealthcheckFailed, err)
		}
		return nil
	}
}
