package portmanager

import (
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"TileServer/internal/domain"
	"TileServer/internal/domain/index"
	"TileServer/internal/platform/api/tcp"
	"TileServer/internal/platform/api/wire"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const host = "127.0.0.1"

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// reservePorts holds n consecutive ports with listeners that never answer.
func reservePorts(t *testing.T, n int) (int, []net.Listener) {
	t.Helper()
	for try := 0; try < 50; try++ {
		first, err := net.Listen("tcp", host+":0")
		require.NoError(t, err)
		base := first.Addr().(*net.TCPAddr).Port
		held := []net.Listener{first}
		for i := 1; i < n; i++ {
			l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(base+i)))
			if err != nil {
				break
			}
			held = append(held, l)
		}
		if len(held) == n {
			t.Cleanup(func() {
				for _, l := range held {
					_ = l.Close()
				}
			})
			return base, held
		}
		for _, l := range held {
			_ = l.Close()
		}
	}
	t.Fatalf("could not reserve %d consecutive ports", n)
	return 0, nil
}

func options(attach bool) BindOptions {
	return BindOptions{Attach: attach, ProbeTimeout: 100 * time.Millisecond, Logger: quietLogger()}
}

func TestBindWithRetry_SkipsSilentPeers(t *testing.T) {
	base, held := reservePorts(t, 4)
	_ = held[3].Close()

	binding, err := BindWithRetry(context.Background(), host, base, 4, options(false))
	require.NoError(t, err)
	defer binding.Listener.Close()
	assert.Equal(t, base+3, binding.Port)
	assert.False(t, binding.Attached)
}

func TestBindWithRetry_ExhaustsAfterMaxRetries(t *testing.T) {
	base, _ := reservePorts(t, 3)

	_, err := BindWithRetry(context.Background(), host, base, 3, options(true))
	assert.ErrorIs(t, err, domain.ErrPortExhausted)
}

func TestBindWithRetry_ZeroRetriesStillTriesOnce(t *testing.T) {
	base, held := reservePorts(t, 1)
	_ = held[0].Close()

	binding, err := BindWithRetry(context.Background(), host, base, 0, options(false))
	require.NoError(t, err)
	defer binding.Listener.Close()
	assert.Equal(t, base, binding.Port)
}

func runningServer(t *testing.T) (*tcp.IndexServer, int) {
	t.Helper()
	params := domain.DefaultIndexParameters()
	srv := tcp.NewIndexServer(tcp.Options{Params: params, Workers: 1}, quietLogger(), nil)
	require.NoError(t, srv.Start(context.Background(), func(ctx context.Context) (*index.TileIndex, error) {
		ref := []byte("ACGTTGCAAGGCTTACCGATGCATGCAAGTCCGATTAGC")
		return index.Build(ctx, []domain.Sequence{domain.NewSequence("chrT", ref)}, params)
	}))
	l, err := net.Listen("tcp", host+":0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() { _ = srv.Stop(time.Second) })
	return srv, l.Addr().(*net.TCPAddr).Port
}

func TestBindWithRetry_AttachesToLiveServer(t *testing.T) {
	srv, port := runningServer(t)

	for i := 0; i < 3; i++ {
		binding, err := BindWithRetry(context.Background(), host, port, 5, options(true))
		require.NoError(t, err)
		assert.True(t, binding.Attached)
		assert.Nil(t, binding.Listener)
		assert.Equal(t, port, binding.Port)
		assert.True(t, binding.Status.Compatible())
	}

	assert.Eventually(t, func() bool { return srv.State() == domain.StateReady }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(0), srv.Status().QueriesServed)
}

func TestBindWithRetry_WithoutAttachMovesPastLiveServer(t *testing.T) {
	_, port := runningServer(t)

	binding, err := BindWithRetry(context.Background(), host, port, 20, options(false))
	require.NoError(t, err)
	defer binding.Listener.Close()
	assert.False(t, binding.Attached)
	assert.Greater(t, binding.Port, port)
}

func TestProbeLiveness(t *testing.T) {
	_, port := runningServer(t)
	status, ok := ProbeLiveness(context.Background(), host, port, time.Second)
	require.True(t, ok)
	assert.Contains(t, []domain.ServerState{domain.StateReady, domain.StateServing}, status.State)

	base, held := reservePorts(t, 1)
	_, ok = ProbeLiveness(context.Background(), host, base, 100*time.Millisecond)
	assert.False(t, ok, "silent peer")

	_ = held[0].Close()
	_, ok = ProbeLiveness(context.Background(), host, base, 100*time.Millisecond)
	assert.False(t, ok, "nothing listening")
}

func TestBindWithRetry_AttachesWhileIndexing(t *testing.T) {
	params := domain.DefaultIndexParameters()
	srv := tcp.NewIndexServer(tcp.Options{Params: params, Workers: 1}, quietLogger(), nil)
	l, err := net.Listen("tcp", host+":0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	go func() { _ = srv.Serve(l) }()

	release := make(chan struct{})
	started := make(chan error, 1)
	go func() {
		started <- srv.Start(context.Background(), func(ctx context.Context) (*index.TileIndex, error) {
			<-release
			ref := []byte("ACGTTGCAAGGCTTACCGATGCATGCAAGTCCGATTAGC")
			return index.Build(ctx, []domain.Sequence{domain.NewSequence("chrT", ref)}, params)
		})
	}()
	t.Cleanup(func() { _ = srv.Stop(time.Second) })
	require.Eventually(t, func() bool { return srv.State() == domain.StateIndexing }, 2*time.Second, 5*time.Millisecond)

	binding, err := BindWithRetry(context.Background(), host, port, 5, options(true))
	require.NoError(t, err)
	assert.True(t, binding.Attached, "a building server is reused, not raced")
	assert.Nil(t, binding.Listener)
	assert.Equal(t, port, binding.Port)
	assert.Equal(t, domain.StateIndexing, binding.Status.State)

	close(release)
	require.NoError(t, <-started)
	assert.Eventually(t, func() bool { return srv.State() == domain.StateReady }, 2*time.Second, 10*time.Millisecond)
}

func TestBindWithRetry_DoesNotAttachToStoppingServer(t *testing.T) {
	assert.False(t, attachable(wire.StatusReply{State: domain.StateStopping, ProtocolVersion: wire.ProtocolVersion}))
	assert.True(t, attachable(wire.StatusReply{State: domain.StateIndexing, ProtocolVersion: wire.ProtocolVersion}))
	assert.False(t, attachable(wire.StatusReply{State: domain.StateReady, ProtocolVersion: wire.ProtocolVersion + 1}))
}
