package graph

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/triagebackend/consult/services/triageerr"
)

func buildLinearDAG(t *testing.T) *DAG {
	t.Helper()
	a := NewFuncNode("A", nil, func(_ context.Context, _ map[string]any) (any, error) {
		return "a", nil
	})
	b := NewFuncNode("B", []string{"A"}, func(_ context.Context, in map[string]any) (any, error) {
		return in["A"].(string) + "b", nil
	})
	d, err := NewBuilder("linear").AddNode(a).AddNode(b).Build()
	require.NoError(t, err)
	return d
}

func TestExecutorRunsLinearDAG(t *testing.T) {
	d := buildLinearDAG(t)
	exec, err := NewExecutor(d, nil)
	require.NoError(t, err)

	result, err := exec.Run(context.Background(), nil)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, "ab", result.Output)
	require.Equal(t, 2, result.NodesExecuted)
}

func TestExecutorDetectsCycle(t *testing.T) {
	a := NewFuncNode("A", []string{"B"}, func(context.Context, map[string]any) (any, error) { return nil, nil })
	b := NewFuncNode("B", []string{"A"}, func(context.Context, map[string]any) (any, error) { return nil, nil })
	_, err := NewBuilder("cyclic").AddNode(a).AddNode(b).Build()
	require.Error(t, err)
	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
}

func TestExecutorIsolatesNodeFailure(t *testing.T) {
	failing := NewFuncNode("FAIL", nil, func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("boom")
	})
	d, err := NewBuilder("single").AddNode(failing).Build()
	require.NoError(t, err)

	exec, err := NewExecutor(d, nil)
	require.NoError(t, err)

	result, err := exec.Run(context.Background(), nil)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, "FAIL", result.FailedNode)
	require.ErrorContains(t, result.NodeErrors["FAIL"], "boom")
}

func TestExecutorContinuesSiblingBranchAfterNodeFailure(t *testing.T) {
	failing := NewFuncNode("FAIL", nil, func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("boom")
	})
	ok := NewFuncNode("OK", nil, func(context.Context, map[string]any) (any, error) {
		return "fine", nil
	})
	dependent := NewFuncNode("DEPENDENT", []string{"FAIL"}, func(context.Context, map[string]any) (any, error) {
		return "unreachable", nil
	})
	d, err := NewBuilder("branches").AddNode(failing).AddNode(ok).AddNode(dependent).Build()
	require.NoError(t, err)

	exec, err := NewExecutor(d, nil)
	require.NoError(t, err)

	result, err := exec.Run(context.Background(), nil)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, "fine", result.NodeOutputs["OK"])
	require.Contains(t, result.NodeErrors, "FAIL")
	require.ErrorContains(t, result.NodeErrors["DEPENDENT"], "dependency failed")
	require.NotContains(t, result.NodeOutputs, "DEPENDENT")
}

func TestExecutorRespectsPerNodeTimeout(t *testing.T) {
	slow := NewFuncNode("SLOW", nil, func(ctx context.Context, _ map[string]any) (any, error) {
		select {
		case <-time.After(200 * time.Millisecond):
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}).WithTimeout(10 * time.Millisecond)

	d, err := NewBuilder("timeout").AddNode(slow).Build()
	require.NoError(t, err)

	exec, err := NewExecutor(d, nil)
	require.NoError(t, err)

	result, err := exec.Run(context.Background(), nil)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.ErrorContains(t, result.NodeErrors["SLOW"], "timed out")
	require.Equal(t, "timeout", triageerr.Code(result.NodeErrors["SLOW"]))
}

func TestBuilderRejectsDuplicateNode(t *testing.T) {
	a := NewFuncNode("A", nil, func(context.Context, map[string]any) (any, error) { return nil, nil })
	a2 := NewFuncNode("A", nil, func(context.Context, map[string]any) (any, error) { return nil, nil })
	_, err := NewBuilder("dup").AddNode(a).AddNode(a2).Build()
	require.ErrorIs(t, err, ErrDuplicateNode)
}

func TestBuilderPicksDeterministicTerminal(t *testing.T) {
	a := NewFuncNode("A", nil, func(context.Context, map[string]any) (any, error) { return nil, nil })
	b := NewFuncNode("B", nil, func(context.Context, map[string]any) (any, error) { return nil, nil })
	d, err := NewBuilder("parallel-terminals").AddNode(a).AddNode(b).Build()
	require.NoError(t, err)
	require.Equal(t, "A", d.Terminal())
}
