package api

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
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"vesta/internal/config"
	"vesta/internal/domain"
	"vesta/internal/engine"
	"vesta/internal/store"
)

func dialControl(t *testing.T, ctl Control) *GRPCClient {
	t.Helper()
	s, _ := newTestServer(t, ctl, config.Server{})
	lis := bufconn.Listen(1 << 20)
	go func() { _ = s.GRPC().Serve(lis) }()
	t.Cleanup(s.GRPC().Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewGRPCClient(conn)
}

func TestGRPCStatusAndPositions(t *testing.T) {
	c := dialControl(t, newFakeControl())
	ctx := context.Background()

	st, err := c.GetCycleStatus(ctx)
	require.NoError(t, err)
	assert.True(t, st.Active)
	assert.Equal(t, 2, st.OpenPositions)
	assert.Equal(t, "-150", st.PnL.Realized.String())
	require.NotNil(t, st.Cycle)
	assert.Equal(t, domain.CycleScanning, st.Cycle.Status)

	ps, err := c.GetOpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, "AAPL", ps[0].Symbol)
	assert.Equal(t, "40", ps[0].Quantity.String())
}

func TestGRPCStartCycleRuns(t *testing.T) {
	ctl := newFakeControl()
	c := dialControl(t, ctl)

	cycle, err := c.StartCycle(context.Background(), "grpc-key")
	require.NoError(t, err)
	assert.Equal(t, "c1", cycle.ID)
	assert.Equal(t, "grpc-key", cycle.IdempotencyKey)

	select {
	case id := <-ctl.ran:
		assert.Equal(t, "c1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("cycle was not run")
	}
}

func TestGRPCCommands(t *testing.T) {
	ctl := newFakeControl()
	c := dialControl(t, ctl)
	ctx := context.Background()

	r, err := c.StopCycle(ctx, "lunch")
	require.NoError(t, err)
	assert.Equal(t, []string{"o1"}, r.OrdersCancelled)

	cleared, err := c.ResumeTrading(ctx, "ops")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, cleared)

	ctl.flags = []domain.ReconciliationFlag{{ID: "f1", Kind: domain.FlagPhantomPosition, Subject: "AAPL", Status: domain.FlagOpen, Observations: 2}}
	flags, err := c.ListFlags(ctx, store.FlagFilter{Subject: "AAPL"})
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, 2, flags[0].Observations)
	assert.Equal(t, "AAPL", ctl.filter.Subject)

	flag, err := c.ResolveFlag(ctx, "f1", "broker confirmed")
	require.NoError(t, err)
	assert.Equal(t, domain.FlagResolved, flag.Status)
}

func TestGRPCErrorCodes(t *testing.T) {
	ctl := newFakeControl()
	ctl.stopErr = engine.ErrNoActiveCycle
	c := dialControl(t, ctl)
	ctx := context.Background()

	_, err := c.StopCycle(ctx, "")
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	_, err = c.ResumeTrading(ctx, "")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = c.ResolveFlag(ctx, "missing", "x")
	assert.Equal(t, codes.NotFound, status.Code(err))
}
