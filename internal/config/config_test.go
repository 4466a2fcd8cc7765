package config

import (
	"testing"
	"time"

	"github.com/corray333/backend-labs/autherror/internal/service/retry"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	SetDefaults()

	o := Outbox()
	assert.Equal(t, 50, o.BatchSize)
	assert.Equal(t, 500*time.Millisecond, o.PollInterval)
	assert.Equal(t, 10, o.Policy.MaxRetries)
	assert.Equal(t, time.Minute, o.Policy.Delay)
	assert.Equal(t, 300*time.Second, o.StaleAfter)
	assert.Equal(t, 100, o.ReapBatchSize)
	assert.Equal(t, 5*time.Second, o.ReapInterval)
	assert.Empty(t, o.Scope.KeyPrefix)

	i := Inbox()
	assert.Equal(t, time.Minute, i.Lease)
	assert.Equal(t, 10, i.MaxRetries)

	assert.Equal(t, retry.DefaultLadder(), RetryLadder())

	p := Publisher()
	assert.Equal(t, "auth.error.exchange", p.Exchange)
	assert.Equal(t, 3*time.Second, p.ConfirmTimeout)
}

func TestOverrides(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	SetDefaults()

	viper.Set("outbox.retry.max_retries", 3)
	viper.Set("outbox.scope_prefix", "auth_error:")
	viper.Set("rabbitmq.retry.fast_max", 2)
	viper.Set("rabbitmq.retry.medium_max", 1)
	viper.Set("rabbitmq.retry.ttl_10s_ms", 500)

	assert.Equal(t, 3, Outbox().Policy.MaxRetries)
	assert.Equal(t, "auth_error:", Outbox().Scope.KeyPrefix)

	l := RetryLadder()
	assert.Equal(t, 2, l.FastMax)
	assert.Equal(t, retry.DefaultMediumMax, l.MediumMax, "medium max below fast max is ignored")
	assert.Equal(t, 500*time.Millisecond, l.Short)
	assert.Equal(t, time.Minute, l.Medium)
}
