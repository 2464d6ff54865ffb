package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_DeliversInOrderToSubscriber(t *testing.T) {
	t.Parallel()
	b := New(KafkaConfig{}, zerolog.Nop())
	ch := b.Subscribe()

	b.Publish(context.Background(), Progress("run1", 1, 0.1, nil, "p1"))
	b.Publish(context.Background(), Progress("run1", 2, 0.2, nil, "p2"))

	first := <-ch
	second := <-ch
	assert.Equal(t, 1, first.Payload["iteration"])
	assert.Equal(t, 2, second.Payload["iteration"])
}

func TestPublish_MultipleSubscribersAllReceive(t *testing.T) {
	t.Parallel()
	b := New(KafkaConfig{}, zerolog.Nop())
	a := b.Subscribe()
	c := b.Subscribe()

	b.Publish(context.Background(), Complete("run1"))

	select {
	case ev := <-a:
		assert.Equal(t, KindComplete, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("subscriber a did not receive event")
	}
	select {
	case ev := <-c:
		assert.Equal(t, KindComplete, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("subscriber c did not receive event")
	}
}

func TestNew_NoKafkaConfigHasNoWriter(t *testing.T) {
	t.Parallel()
	b := New(KafkaConfig{}, zerolog.Nop())
	assert.Nil(t, b.writer)
	require.NoError(t, b.Close())
}

func TestError_WrapsErrorMessage(t *testing.T) {
	t.Parallel()
	ev := Error("run1", assertErr{"boom"})
	assert.Equal(t, "boom", ev.Payload["error"])
}

type assertErr struct{ msg string }

func (a assertErr) Error() string { return a.msg }
