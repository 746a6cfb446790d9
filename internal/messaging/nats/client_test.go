package nats

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-sigma/internal/logging"
	"github.com/telhawk-systems/telhawk-sigma/internal/messaging"
)

func TestNewClient_ConnectionFailure(t *testing.T) {
	c, err := NewClient(Config{
		URL:           "nats://127.0.0.1:1",
		Name:          "sigma-test",
		MaxReconnects: 0,
		ReconnectWait: 10 * time.Millisecond,
		Timeout:       100 * time.Millisecond,
	}, logging.Discard())

	assert.Error(t, err)
	assert.Nil(t, c)
}

func TestDeliver_RunsHandlersUntilClose(t *testing.T) {
	c := newClient(nil, logging.Discard())

	started := make(chan struct{})
	stopped := make(chan error, 1)
	deliver := c.deliver(messaging.SubjectDetectionRun, messaging.QueueDetectionWorkers,
		func(ctx context.Context, msg *messaging.Message) error {
			assert.Equal(t, messaging.SubjectDetectionRun, msg.Subject)
			close(started)
			<-ctx.Done()
			stopped <- ctx.Err()
			return nil
		})

	returned := make(chan struct{})
	go func() {
		deliver(&nats.Msg{Subject: messaging.SubjectDetectionRun, Data: []byte(`{"rule_name":"R1"}`)})
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("delivery blocked on a running handler")
	}
	<-started

	require.NoError(t, c.Close())
	select {
	case err := <-stopped:
		assert.ErrorIs(t, err, context.Canceled)
	default:
		t.Fatal("Close returned before the handler finished")
	}
}

func TestDeliver_DropsMessagesAfterClose(t *testing.T) {
	c := newClient(nil, logging.Discard())
	require.NoError(t, c.Close())

	called := false
	c.deliver(messaging.SubjectDetectionRun, messaging.QueueDetectionWorkers,
		func(context.Context, *messaging.Message) error {
			called = true
			return nil
		})(&nats.Msg{Subject: messaging.SubjectDetectionRun})

	assert.False(t, called)
}
