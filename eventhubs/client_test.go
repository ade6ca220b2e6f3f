package eventhubs

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pack.ag/amqp"
)

func validConfig() ClientConfig {
	return ClientConfig{
		Host:    "amqps://a",
		Path:    "d",
		KeyName: "b",
		Key:     "c",
	}
}

func TestNewClient(t *testing.T) {
	client, err := NewClient(validConfig())
	require.NoError(t, err)
	assert.NotNil(t, client)
}

func TestNewClientMissingProperties(t *testing.T) {
	cases := []struct {
		property string
		mutate   func(c *ClientConfig)
	}{
		{"host", func(c *ClientConfig) { c.Host = "" }},
		{"path", func(c *ClientConfig) { c.Path = "" }},
		{"keyName", func(c *ClientConfig) { c.KeyName = "" }},
		{"key", func(c *ClientConfig) { c.Key = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.property, func(t *testing.T) {
			config := validConfig()
			tc.mutate(&config)

			client, err := NewClient(config)
			assert.Nil(t, client)

			var argErr *ArgumentError
			require.ErrorAs(t, err, &argErr)
			assert.Equal(t, "config is missing property "+tc.property, argErr.Message)
		})
	}
}

func TestNewClientFromConnectionString(t *testing.T) {
	client, err := NewClientFromConnectionString("Endpoint=sb://a;SharedAccessKeyName=b;SharedAccessKey=c;EntityPath=d")
	require.NoError(t, err)
	require.NotNil(t, client)
	assert.Equal(t, validConfig(), client.config)
}

func TestNewClientFromConnectionStringWithPathOption(t *testing.T) {
	client, err := NewClientFromConnectionString(
		"Endpoint=sb://a;SharedAccessKeyName=b;SharedAccessKey=c",
		WithEntityPath("path"),
	)
	require.NoError(t, err)
	assert.Equal(t, "path", client.config.Path)
}

func TestNewClientFromConnectionStringPathOptionWins(t *testing.T) {
	client, err := NewClientFromConnectionString(
		"Endpoint=sb://a;SharedAccessKeyName=b;SharedAccessKey=c;EntityPath=d",
		WithEntityPath("other"),
	)
	require.NoError(t, err)
	assert.Equal(t, "other", client.config.Path)
}

func TestNewClientFromConnectionStringMissingEntityPath(t *testing.T) {
	for _, connStr := range []string{
		"abc",
		"Endpoint=sb://a;SharedAccessKeyName=b;SharedAccessKey=c",
	} {
		client, err := NewClientFromConnectionString(connStr)
		assert.Nil(t, client)

		var argErr *ArgumentError
		require.ErrorAs(t, err, &argErr)
		assert.Equal(t, "connection string doesn't have EntityPath, or missing argument path", argErr.Message)
	}
}

func TestNewClientFromConnectionStringEmpty(t *testing.T) {
	client, err := NewClientFromConnectionString("")
	assert.Nil(t, client)

	var argErr *ArgumentError
	require.ErrorAs(t, err, &argErr)
	assert.Equal(t, "missing argument connectionString", argErr.Message)
}

func TestCloseNeverOpened(t *testing.T) {
	client, err := NewClient(validConfig())
	require.NoError(t, err)

	ctx := context.Background()
	assert.NoError(t, client.Close(ctx))
	assert.NoError(t, client.Close(ctx))
}

func TestOperationsRequireOpenClient(t *testing.T) {
	client, err := NewClient(validConfig())
	require.NoError(t, err)

	ctx := context.Background()

	_, err = client.GetPartitionIDs(ctx)
	assert.ErrorIs(t, err, ErrClientClosed)

	_, err = client.CreateReceiver(ctx, DefaultConsumerGroup, "0")
	assert.ErrorIs(t, err, ErrClientClosed)

	_, err = client.NewSender(ctx)
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestOpenSharesSingleInflightAttempt(t *testing.T) {
	client, err := NewClient(validConfig())
	require.NoError(t, err)

	dialErr := assert.AnError
	var dialCount int32
	started := make(chan struct{})
	release := make(chan struct{})
	client.dial = func(addr string, opts ...amqp.ConnOption) (*amqp.Client, error) {
		atomic.AddInt32(&dialCount, 1)
		close(started)
		<-release
		return nil, dialErr
	}

	ctx := context.Background()
	results := make(chan error, 2)
	go func() { results <- client.Open(ctx) }()

	<-started
	go func() { results <- client.Open(ctx) }()

	// let the second caller reach the opening state before settling the dial
	time.Sleep(50 * time.Millisecond)
	close(release)

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, <-results, dialErr)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&dialCount))
}

func TestOpenRetriesAfterFailure(t *testing.T) {
	client, err := NewClient(validConfig())
	require.NoError(t, err)

	var dialCount int32
	client.dial = func(addr string, opts ...amqp.ConnOption) (*amqp.Client, error) {
		atomic.AddInt32(&dialCount, 1)
		return nil, assert.AnError
	}

	ctx := context.Background()
	assert.ErrorIs(t, client.Open(ctx), assert.AnError)
	assert.ErrorIs(t, client.Open(ctx), assert.AnError)
	assert.Equal(t, int32(2), atomic.LoadInt32(&dialCount))

	// a failed open leaves the client closed, and closing it stays a no-op
	assert.NoError(t, client.Close(ctx))
}

func TestCloseCancelsInflightOperations(t *testing.T) {
	client, err := NewClient(validConfig())
	require.NoError(t, err)

	// stand the client up as open without touching the network
	client.mu.Lock()
	client.state = clientStateOpen
	client.links = newLinkManager(client.config, client.logger, nil)
	client.opsCtx, client.opsCancel = context.WithCancel(context.Background())
	client.mu.Unlock()

	opCtx, opCancel, err := client.operationContext(context.Background())
	require.NoError(t, err)
	defer opCancel()

	require.NoError(t, client.Close(context.Background()))

	select {
	case <-opCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("in-flight operation context survived the close")
	}
	assert.ErrorIs(t, opCtx.Err(), context.Canceled)

	_, err = client.GetPartitionIDs(context.Background())
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestOpenWaitersHonorContext(t *testing.T) {
	client, err := NewClient(validConfig())
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	client.dial = func(addr string, opts ...amqp.ConnOption) (*amqp.Client, error) {
		close(started)
		<-release
		return nil, assert.AnError
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = client.Open(context.Background())
	}()

	<-started
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, client.Open(ctx), context.Canceled)

	close(release)
	wg.Wait()
}
