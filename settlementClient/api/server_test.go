package api

import (
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestNewServer(t *testing.T) {
	logger := zerolog.New(zerolog.NewTestWriter(t))
	settler := &mockSettler{}

	t.Run("Create server with valid config", func(t *testing.T) {
		server := NewServer(settler, nil, logger, 8080)

		assert.NotNil(t, server)
		assert.Equal(t, settler, server.settler)
		assert.NotNil(t, server.server)
		assert.Equal(t, ":8080", server.server.Addr)
	})

	t.Run("Create server with different port", func(t *testing.T) {
		server := NewServer(settler, nil, logger, 9090)
		assert.Equal(t, ":9090", server.server.Addr)
	})
}

func TestServerStartStop(t *testing.T) {
	logger := zerolog.New(zerolog.NewTestWriter(t))
	settler := &mockSettler{}
	settler.On("Ping", mock.Anything).Return(nil)

	port := freePort(t)
	server := NewServer(settler, nil, logger, port)
	require.NoError(t, server.Start())

	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, server.Stop())
}

func TestServerStartPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()

	server := NewServer(&mockSettler{}, nil, zerolog.Nop(), ln.Addr().(*net.TCPAddr).Port)
	err = server.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to bind")
}

func TestStopWithoutServer(t *testing.T) {
	s := &Server{}
	assert.NoError(t, s.Stop())
}
