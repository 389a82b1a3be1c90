// Package objectstore_test tests the NATS object store implementation.
package objectstore_test

import (
	"context"
	"testing"

	"github.com/book-expert/textlistens/internal/objectstore"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

// StartTestServer starts an in-memory NATS server for testing purposes.
func StartTestServer(t *testing.T) (*server.Server, *nats.Conn) {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	natsServer := test.RunServer(&opts)

	natsConnection, err := nats.Connect(natsServer.ClientURL())
	if err != nil {
		t.Fatalf("Failed to connect to test NATS server: %v", err)
	}

	return natsServer, natsConnection
}

func newStore(t *testing.T, bucket string) (*objectstore.NatsObjectStore, nats.JetStreamContext) {
	t.Helper()

	natsServer, natsConnection := StartTestServer(t)
	t.Cleanup(natsServer.Shutdown)
	t.Cleanup(natsConnection.Close)

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	store, err := objectstore.New(jetstreamContext, bucket)
	require.NoError(t, err)

	return store, jetstreamContext
}

func TestNatsObjectStore_UploadDownload(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t, "test-bucket")

	ctx := context.Background()
	key := "chapter-one.txt"
	uploadData := []byte("It was a bright cold day in April. The clocks were striking thirteen.")

	require.NoError(t, store.Upload(ctx, key, uploadData))

	downloadData, err := store.Download(ctx, key)
	require.NoError(t, err)
	require.Equal(t, uploadData, downloadData)
	require.Equal(t, "test-bucket", store.Bucket())
}

func TestNatsObjectStore_DownloadMissing(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t, "missing-bucket")

	_, err := store.Download(context.Background(), "nope")
	require.ErrorIs(t, err, objectstore.ErrNotFound)
}

func TestNatsObjectStore_Delete(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t, "delete-bucket")
	ctx := context.Background()

	require.NoError(t, store.Upload(ctx, "k", []byte("v")))
	require.NoError(t, store.Delete(ctx, "k"))

	_, err := store.Download(ctx, "k")
	require.ErrorIs(t, err, objectstore.ErrNotFound)

	require.NoError(t, store.Delete(ctx, "k"))
}

func TestNew_BindsToExistingBucket(t *testing.T) {
	t.Parallel()

	store, jetstreamContext := newStore(t, "shared-bucket")
	require.NoError(t, store.Upload(context.Background(), "k", []byte("kept")))

	again, err := objectstore.New(jetstreamContext, "shared-bucket")
	require.NoError(t, err)

	data, err := again.Download(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, []byte("kept"), data)
}
