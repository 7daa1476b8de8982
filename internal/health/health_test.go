// ABOUTME: Tests for the gRPC health service
// ABOUTME: Dials an in-process server over bufconn and checks per-agent status

package health

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/2389/fleet-commander/internal/fleet"
)

func newTestStore(t *testing.T, ids ...string) *fleet.Store {
	t.Helper()
	store := fleet.NewStore(nil, nil)
	for _, id := range ids {
		require.NoError(t, store.Register(fleet.AgentState{ID: id}, fleet.NewCommandChannel(1)))
	}
	return store
}

func dial(t *testing.T, svc *Service) healthpb.HealthClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer()
	svc.Register(srv)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func check(t *testing.T, client healthpb.HealthClient, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func TestHealth_SeededFromStore(t *testing.T) {
	store := newTestStore(t, "a", "b")
	require.NoError(t, store.Update("a", fleet.StatusRunning, 42))

	client := dial(t, New(store, nil))

	got, err := check(t, client, OverallService)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, got)

	got, err = check(t, client, "a")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, got)

	got, err = check(t, client, "b")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, got)
}

func TestHealth_UnknownAgent(t *testing.T) {
	client := dial(t, New(newTestStore(t), nil))

	_, err := check(t, client, "ghost")
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestHealth_FollowsTransitions(t *testing.T) {
	b := fleet.NewBroadcaster(nil)
	defer b.Close()
	store := fleet.NewStore(nil, b)
	require.NoError(t, store.Register(fleet.AgentState{ID: "a"}, fleet.NewCommandChannel(1)))

	svc := New(store, nil)
	client := dial(t, svc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, _ := b.Subscribe(ctx)
	done := make(chan struct{})
	go func() {
		_ = svc.Run(ctx, events)
		close(done)
	}()

	require.NoError(t, store.Update("a", fleet.StatusRunning, 7))
	require.Eventually(t, func() bool {
		got, err := check(t, client, "a")
		return err == nil && got == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, store.Update("a", fleet.StatusFailed, 0))
	require.Eventually(t, func() bool {
		got, err := check(t, client, "a")
		return err == nil && got == healthpb.HealthCheckResponse_NOT_SERVING
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestHealth_Shutdown(t *testing.T) {
	store := newTestStore(t, "a")
	require.NoError(t, store.Update("a", fleet.StatusRunning, 1))
	svc := New(store, nil)
	client := dial(t, svc)

	svc.Shutdown()

	got, err := check(t, client, OverallService)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, got)

	// Updates after shutdown are ignored.
	svc.Apply(fleet.Transition{AgentID: "a", To: fleet.StatusRunning})
	got, err = check(t, client, "a")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, got)
}

func TestServingStatus(t *testing.T) {
	for _, st := range []fleet.AgentStatus{
		fleet.StatusStarting, fleet.StatusStopping, fleet.StatusStopped,
		fleet.StatusRestarting, fleet.StatusFailed,
	} {
		assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, servingStatus(st), st)
	}
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, servingStatus(fleet.StatusRunning))
}
