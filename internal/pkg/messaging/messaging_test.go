package messaging

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKind(t *testing.T) {
	assert.True(t, KindRedis.IsValid())
	assert.True(t, KindKafka.IsValid())
	assert.True(t, KindRabbitMQ.IsValid())
	assert.False(t, Kind("nats").IsValid())
	assert.Equal(t, "kafka", KindKafka.String())
}

func TestConnConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ConnConfig
		wantErr bool
	}{
		{name: "valid", cfg: ConnConfig{Host: "localhost", Port: 6379}},
		{name: "missing host", cfg: ConnConfig{Port: 6379}, wantErr: true},
		{name: "zero port", cfg: ConnConfig{Host: "localhost"}, wantErr: true},
		{name: "port too large", cfg: ConnConfig{Host: "localhost", Port: 70000}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.validate(KindRedis)
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			var cerr *ConfigError
			require.ErrorAs(t, err, &cerr)
			assert.Contains(t, err.Error(), "redis")
		})
	}
}

func TestConnConfig_Addr(t *testing.T) {
	assert.Equal(t, "localhost:9092", ConnConfig{Host: "localhost", Port: 9092}.Addr())
	assert.Equal(t, "[::1]:9092", ConnConfig{Host: "::1", Port: 9092}.Addr())
}

func TestConnConfig_StringOption(t *testing.T) {
	cfg := ConnConfig{Options: map[string]any{"vhost": "/prod", "db": 3}}
	assert.Equal(t, "/prod", cfg.stringOption("vhost", "/"))
	assert.Equal(t, "/", cfg.stringOption("missing", "/"))
	assert.Equal(t, "/", cfg.stringOption("db", "/")) // wrong type falls back
}

func TestAggregateErrors_MessageAndUnwrap(t *testing.T) {
	redisErr := errors.New("redis down")
	kafkaErr := errors.New("kafka down")
	perr := &PublishError{Topic: "orders", Failures: []LayerFailure{
		{Kind: KindRedis, Priority: 0, Err: redisErr},
		{Kind: KindKafka, Priority: 1, Err: kafkaErr},
	}}

	assert.Equal(t,
		`pkgmessage: publish to "orders" failed on all layers: redis(priority 0): redis down; kafka(priority 1): kafka down`,
		perr.Error())
	assert.ErrorIs(t, perr, redisErr)
	assert.ErrorIs(t, perr, kafkaErr)

	cerr := &ConsumeError{Topic: "orders", Failures: []LayerFailure{
		{Kind: KindRabbitMQ, Priority: 2, Err: errors.New("session lost")},
	}}
	assert.Contains(t, cerr.Error(), `consume from "orders" failed on all layers: rabbitmq(priority 2): session lost`)
}

func TestConnectionError(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := &ConnectionError{Kind: KindKafka, Addr: "localhost:9092", Err: cause}
	assert.Equal(t, "pkgmessage: kafka connect localhost:9092: dial tcp: refused", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestValidationError(t *testing.T) {
	err := &ValidationError{Key: "a.b", Reason: "func() has no text conversion or JSON encoding support"}
	assert.Contains(t, err.Error(), `value at "a.b" is not encodable`)
}
