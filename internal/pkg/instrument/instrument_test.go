package instrument

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DisabledReturnsNoop(t *testing.T) {
	ins, err := New(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, ins.Tracer("t"))
	require.NotNil(t, ins.Meter("m"))
	assert.NoError(t, ins.Shutdown(context.Background()))

	ins, err = New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, ins.Shutdown(context.Background()))
}

func TestCorrelationID(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", GetCorrelationID(ctx))

	ctx = SetCorrelationID(ctx, "corr-1")
	assert.Equal(t, "corr-1", GetCorrelationID(ctx))

	// Ensure keeps an existing id and mints one otherwise.
	same, id := EnsureCorrelationID(ctx)
	assert.Equal(t, "corr-1", id)
	assert.Equal(t, ctx, same)

	fresh, id := EnsureCorrelationID(context.Background())
	assert.NotEmpty(t, id)
	assert.Equal(t, id, GetCorrelationID(fresh))
}

type captureHandler struct {
	records []slog.Record
}

func (c *captureHandler) Enabled(context.Context, slog.Level) bool { return true }
func (c *captureHandler) Handle(_ context.Context, r slog.Record) error {
	c.records = append(c.records, r)
	return nil
}
func (c *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return c }
func (c *captureHandler) WithGroup(string) slog.Handler      { return c }

func recordAttrs(r slog.Record) map[string]any {
	attrs := map[string]any{}
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})
	return attrs
}

func TestMaskHandler(t *testing.T) {
	capture := &captureHandler{}
	log := slog.New(&maskHandler{handler: capture, maskKeys: buildMaskKeys([]string{"Password", "", " token "})})

	log.Info("login",
		"user", "alice",
		"password", "hunter2",
		slog.Group("session", slog.String("token", "abc"), slog.String("ip", "127.0.0.1")),
		"payload", map[string]any{"token": "abc", "nested": map[string]any{"password": "x", "ok": 1}},
	)

	require.Len(t, capture.records, 1)
	attrs := recordAttrs(capture.records[0])
	assert.Equal(t, "alice", attrs["user"])
	assert.Equal(t, "***", attrs["password"])
	assert.Equal(t, map[string]any{
		"token":  "***",
		"nested": map[string]any{"password": "***", "ok": 1},
	}, attrs["payload"])

	group, ok := attrs["session"].([]slog.Attr)
	require.True(t, ok)
	groupAttrs := map[string]string{}
	for _, a := range group {
		groupAttrs[a.Key] = a.Value.String()
	}
	assert.Equal(t, map[string]string{"token": "***", "ip": "127.0.0.1"}, groupAttrs)
}

func TestContextHandler_AddsServiceAndCorrelation(t *testing.T) {
	capture := &captureHandler{}
	log := slog.New(&contextHandler{Handler: capture, serviceName: "relay"})

	ctx := SetCorrelationID(context.Background(), "corr-7")
	log.InfoContext(ctx, "published")
	log.Info("no correlation")

	require.Len(t, capture.records, 2)
	withCorr := recordAttrs(capture.records[0])
	assert.Equal(t, "corr-7", withCorr["correlation_id"])
	assert.Equal(t, "relay", withCorr["service"])

	without := recordAttrs(capture.records[1])
	_, hasCorr := without["correlation_id"]
	assert.False(t, hasCorr)
	assert.Equal(t, "relay", without["service"])
}

func TestMultiHandler_FansOut(t *testing.T) {
	a := &captureHandler{}
	b := &captureHandler{}
	m := &multiHandler{handlers: []slog.Handler{a, b}}

	require.True(t, m.Enabled(context.Background(), slog.LevelInfo))
	r := slog.NewRecord(time.Now(), slog.LevelInfo, "hello", 0)
	require.NoError(t, m.Handle(context.Background(), r))
	assert.Len(t, a.records, 1)
	assert.Len(t, b.records, 1)
}
