package bus

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEmbeddedServerAndConnect(t *testing.T) {
	srv, err := Start(ServerOptions{Port: -1}, quietLogger())
	require.NoError(t, err)

	tempDir := srv.tempDir
	require.DirExists(t, tempDir)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Connect(ctx, srv.URL(), "bus-test", quietLogger())
	require.NoError(t, err)

	kv, err := conn.JS.CreateKeyValue(&nats.KeyValueConfig{Bucket: "bus-test"})
	require.NoError(t, err)
	_, err = kv.Put("k", []byte("v"))
	require.NoError(t, err)

	entry, err := kv.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(entry.Value()))

	require.NoError(t, conn.Close())
	srv.Shutdown()

	_, err = os.Stat(tempDir)
	assert.True(t, os.IsNotExist(err), "temporary store should be removed")
}

func TestStartWithStoreDir(t *testing.T) {
	dir := t.TempDir()
	srv, err := Start(ServerOptions{Port: -1, StoreDir: dir}, quietLogger())
	require.NoError(t, err)
	srv.Shutdown()

	assert.DirExists(t, dir, "a configured store is kept")
}

func TestConnectRequiresURL(t *testing.T) {
	_, err := Connect(context.Background(), "", "x", nil)
	assert.Error(t, err)
}

func TestShutdownNil(t *testing.T) {
	var srv *EmbeddedServer
	srv.Shutdown()

	var c *Conn
	assert.NoError(t, c.Close())
}
