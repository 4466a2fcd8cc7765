package rabbitmq

import (
	"testing"

	"github.com/corray333/backend-labs/autherror/internal/service/retry"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type binding struct {
	queue    string
	key      string
	exchange string
}

type recordingDeclarer struct {
	exchanges []string
	queues    map[string]amqp.Table
	bindings  []binding
}

func (d *recordingDeclarer) ExchangeDeclare(name, _ string, _, _, _, _ bool, _ amqp.Table) error {
	d.exchanges = append(d.exchanges, name)

	return nil
}

func (d *recordingDeclarer) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	if d.queues == nil {
		d.queues = map[string]amqp.Table{}
	}
	d.queues[name] = args

	return amqp.Queue{Name: name}, nil
}

func (d *recordingDeclarer) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	d.bindings = append(d.bindings, binding{queue: name, key: key, exchange: exchange})

	return nil
}

func TestDeclareStage_Recorded(t *testing.T) {
	d := &recordingDeclarer{}

	require.NoError(t, DeclareStage(d, DefaultExchange, RecordedStage, retry.DefaultLadder()))

	assert.Equal(t, []string{
		"auth.error.exchange",
		"auth.error.recorded.dlx",
		"auth.error.recorded.retry.exchange",
	}, d.exchanges)

	main := d.queues["auth.error.recorded.q"]
	assert.Equal(t, "auth.error.recorded.dlx", main["x-dead-letter-exchange"])
	assert.Equal(t, "auth.error.recorded.v1.dlq", main["x-dead-letter-routing-key"])

	assert.Contains(t, d.queues, "auth.error.recorded.q.dlq")

	ttls := map[string]int64{
		"auth.error.recorded.retry.q.10s": 10000,
		"auth.error.recorded.retry.q.1m":  60000,
		"auth.error.recorded.retry.q.10m": 600000,
	}
	for q, ttl := range ttls {
		args := d.queues[q]
		require.NotNil(t, args, q)
		assert.Equal(t, ttl, args["x-message-ttl"], q)
		assert.Equal(t, "auth.error.exchange", args["x-dead-letter-exchange"], q)
		assert.Equal(t, "auth.error.recorded.v1", args["x-dead-letter-routing-key"], q)
	}

	assert.Contains(t, d.bindings, binding{queue: "auth.error.recorded.q", key: "auth.error.recorded.v1", exchange: "auth.error.exchange"})
	assert.Contains(t, d.bindings, binding{queue: "auth.error.recorded.q.dlq", key: "auth.error.recorded.v1.dlq", exchange: "auth.error.recorded.dlx"})
	assert.Contains(t, d.bindings, binding{queue: "auth.error.recorded.retry.q.1m", key: "auth.error.recorded.retry.1m", exchange: "auth.error.recorded.retry.exchange"})
}

func TestAnalysisStageNames(t *testing.T) {
	assert.Equal(t, "auth.error.analysis.q", AnalysisStage.Queue())
	assert.Equal(t, "auth.error.analysis.q.dlq", AnalysisStage.DLQ())
	assert.Equal(t, "auth.error.analysis.requested.v1.dlq", AnalysisStage.DLQRoutingKey())
	assert.Equal(t, "auth.error.analysis.retry.q.10m", AnalysisStage.RetryQueue(retry.Bucket10m))

	s, ok := StageByName("auth.error.analysis")
	require.True(t, ok)
	assert.Equal(t, AnalysisStage, s)
}
