package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestRedisPublisher(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	defer client.Close()

	pub := NewRedisPublisher(client, "streamflow")
	require.Equal(t, "streamflow:TOPIC:media-alerts", pub.Channel("media-alerts"))

	sub := client.Subscribe(ctx, pub.Channel("media-alerts"))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	id, err := pub.Publish(ctx, "media-alerts", "Channel started", "channel 1234 is running")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	select {
	case m := <-sub.Channel():
		var msg Message
		require.NoError(t, json.Unmarshal([]byte(m.Payload), &msg))
		require.Equal(t, id, msg.MessageId)
		require.Equal(t, "Channel started", msg.Subject)
		require.Equal(t, "channel 1234 is running", msg.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not received")
	}

	_, err = pub.Publish(ctx, " ", "s", "m")
	require.Error(t, err)
}

func TestMemoryPublisher(t *testing.T) {
	ctx := context.Background()
	pub := NewMemoryPublisher()
	_, err := pub.Publish(ctx, "a", "one", "1")
	require.NoError(t, err)
	_, err = pub.Publish(ctx, "b", "two", "2")
	require.NoError(t, err)
	require.Len(t, pub.Messages(""), 2)
	require.Len(t, pub.Messages("b"), 1)
	require.Equal(t, "two", pub.Messages("b")[0].Subject)

	_, err = LogPublisher{}.Publish(ctx, "a", "s", "m")
	require.NoError(t, err)
}
