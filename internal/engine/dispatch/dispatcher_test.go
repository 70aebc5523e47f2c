package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docflow-go/internal/domain/workflow"
	"github.com/docflow-go/internal/engine/registry"
)

func newTestDispatcher(t *testing.T, cfg Config, caps ...registry.Capability) *Dispatcher {
	t.Helper()
	reg := registry.New(nil)
	for _, c := range caps {
		reg.Register(c)
	}
	return New(reg, cfg, nil, nil)
}

func TestDispatcher_Success(t *testing.T) {
	d := newTestDispatcher(t, Config{}, registry.Func{
		TypeName: "chunker",
		Fn: func(ctx context.Context, node *workflow.Node, input *workflow.ExecutionData) (*workflow.ExecutionData, error) {
			return workflow.FromValues(map[string]interface{}{"chunk": 1}), nil
		},
	})

	node := &workflow.Node{ID: "n1", Type: "chunker"}
	out, err := d.Execute(context.Background(), node, workflow.Empty())
	require.NoError(t, err)
	assert.Equal(t, 1, out.Len())
}

func TestDispatcher_RetriesTransientFailures(t *testing.T) {
	var calls int32
	d := newTestDispatcher(t, Config{
		RetryMaxAttempts:  3,
		RetryInitialDelay: time.Millisecond,
	}, registry.Func{
		TypeName: "extractor",
		Fn: func(ctx context.Context, node *workflow.Node, input *workflow.ExecutionData) (*workflow.ExecutionData, error) {
			if atomic.AddInt32(&calls, 1) < 3 {
				return nil, errors.New("transient")
			}
			return workflow.Empty(), nil
		},
	})

	node := &workflow.Node{ID: "n1", Type: "extractor"}
	_, err := d.Execute(context.Background(), node, workflow.Empty())
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDispatcher_WrapsFailuresAsCapabilityError(t *testing.T) {
	d := newTestDispatcher(t, Config{
		RetryMaxAttempts:  2,
		RetryInitialDelay: time.Millisecond,
	}, registry.Func{
		TypeName: "validator",
		Fn: func(ctx context.Context, node *workflow.Node, input *workflow.ExecutionData) (*workflow.ExecutionData, error) {
			return nil, errors.New("schema mismatch")
		},
	})

	node := &workflow.Node{ID: "n1", Type: "validator"}
	_, err := d.Execute(context.Background(), node, workflow.Empty())
	require.Error(t, err)

	var capErr *workflow.CapabilityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, "n1", capErr.NodeID)
	assert.Equal(t, "validator", capErr.NodeType)
	assert.Contains(t, capErr.Error(), "schema mismatch")
}

func TestDispatcher_UnknownTypeFailsWithoutRetry(t *testing.T) {
	d := newTestDispatcher(t, Config{})

	node := &workflow.Node{ID: "n1", Type: "ghost"}
	_, err := d.Execute(context.Background(), node, workflow.Empty())

	var capErr *workflow.CapabilityError
	require.ErrorAs(t, err, &capErr)
	assert.Contains(t, capErr.Error(), "unknown node type")
}

func TestDispatcher_NodeTimeoutFromConfig(t *testing.T) {
	d := newTestDispatcher(t, Config{RetryMaxAttempts: 1}, registry.Func{
		TypeName: "slow",
		Fn: func(ctx context.Context, node *workflow.Node, input *workflow.ExecutionData) (*workflow.ExecutionData, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return workflow.Empty(), nil
			}
		},
	})

	node := &workflow.Node{
		ID:     "n1",
		Type:   "slow",
		Config: map[string]interface{}{"timeout": 0.05},
	}

	started := time.Now()
	_, err := d.Execute(context.Background(), node, workflow.Empty())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(started), 2*time.Second)
}

func TestDispatcher_NilOutputBecomesEmpty(t *testing.T) {
	d := newTestDispatcher(t, Config{}, registry.Func{
		TypeName: "quiet",
		Fn: func(ctx context.Context, node *workflow.Node, input *workflow.ExecutionData) (*workflow.ExecutionData, error) {
			return nil, nil
		},
	})

	out, err := d.Execute(context.Background(), &workflow.Node{ID: "n1", Type: "quiet"}, workflow.Empty())
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, 0, out.Len())
}
