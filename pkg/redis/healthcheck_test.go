package redis_test

import (
	"context"
	"errors"
	"testing"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nandezu/entitlements/pkg/redis"
)

type stubPinger struct {
	reply string
	err   error
}

func (p stubPinger) Ping(ctx context.Context) *goredis.StatusCmd {
	cmd := goredis.NewStatusCmd(ctx, "ping")
	if p.err != nil {
		cmd.SetErr(p.err)
	} else {
		cmd.SetVal(p.reply)
	}
	return cmd
}

func TestHealthcheck(t *testing.T) {
	t.Parallel()

	down := errors.New("connection refused")

	tests := []struct {
		name    string
		pinger  stubPinger
		wantErr error
	}{
		{name: "healthy", pinger: stubPinger{reply: "PONG"}},
		{name: "unreachable", pinger: stubPinger{err: down}, wantErr: down},
		{name: "unexpected reply", pinger: stubPinger{reply: "LOADING"}, wantErr: redis.ErrHealthcheckFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := redis.Healthcheck(tt.pinger)(context.Background())
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, redis.ErrHealthcheckFailed)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
