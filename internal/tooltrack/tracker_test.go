package tooltrack

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoPlugin struct {
	name string
	err  error
}

func (p *echoPlugin) Name() string { return p.name }

func (p *echoPlugin) CallTool(_ context.Context, target any, _ map[string]any) (*Result, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &Result{Text: ToolName(target)}, nil
}

type sessionPlugin struct {
	echoPlugin
}

func (p *sessionPlugin) CallSessionTool(_ context.Context, tool any, _ map[string]any) (*Result, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &Result{Text: ToolName(tool)}, nil
}

type sessionOnly struct{ name string }

func (p sessionOnly) Name() string { return p.name }

func (p sessionOnly) CallSessionTool(context.Context, any, map[string]any) (*Result, error) {
	return &Result{}, nil
}

type listingPlugin struct{ echoPlugin }

func (p *listingPlugin) Tools() []string { return []string{"a", "b"} }

type bare struct{}

func (bare) Name() string { return "bare" }

type rpcRequest struct{ method string }

func (r rpcRequest) Method() string { return r.method }

type panicky struct{}

func (*panicky) Name() string { panic("boom") }

func TestCurrentWithoutTrackerIsFreshEachTime(t *testing.T) {
	ctx := context.Background()
	a := Current(ctx)
	a.Record("x")
	b := Current(ctx)
	assert.Equal(t, 0, b.Len())
	assert.NotSame(t, a, b)

	cleared := WithTracker(WithTracker(ctx, New()), nil)
	assert.Equal(t, 0, Current(cleared).Len())
}

func TestWrapRecordsHighLevelCalls(t *testing.T) {
	wrapped, err := Wrap(&echoPlugin{name: "Weather"})
	require.NoError(t, err)
	inv, ok := wrapped.(Invoker)
	require.True(t, ok)
	_, isSess := wrapped.(SessionInvoker)
	assert.False(t, isSess)

	tracker := New()
	ctx := WithTracker(context.Background(), tracker)

	_, err = inv.CallTool(ctx, "get_weather_for_city", map[string]any{"city": "Paris"})
	require.NoError(t, err)
	_, err = inv.CallTool(ctx, rpcRequest{method: "tools/list"}, nil)
	require.NoError(t, err)
	_, err = inv.CallTool(ctx, map[string]any{"tool": "search"}, nil)
	require.NoError(t, err)
	_, err = inv.CallTool(ctx, 42, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"Weather:get_weather_for_city",
		"Weather:tools/list",
		"Weather:search",
		"Weather:42",
	}, tracker.Entries())
}

func TestWrapRecordsFailureSentinelAndReturnsOriginalError(t *testing.T) {
	boom := errors.New("tool exploded")
	wrapped, err := Wrap(&echoPlugin{name: "Learn", err: boom})
	require.NoError(t, err)

	tracker := New()
	ctx := WithTracker(context.Background(), tracker)
	_, err = wrapped.(Invoker).CallTool(ctx, "search_docs", nil)
	assert.Same(t, boom, err)
	assert.Equal(t, []string{"Learn:search_docs", "Learn:call_failed"}, tracker.Entries())
}

func TestWrapSessionEntryPoint(t *testing.T) {
	var calls []Call
	wrapped, err := Wrap(&sessionPlugin{echoPlugin{name: "Weather"}}, WithObserver(func(c Call) {
		calls = append(calls, c)
	}))
	require.NoError(t, err)

	tracker := New()
	ctx := WithTracker(context.Background(), tracker)

	_, err = wrapped.(SessionInvoker).CallSessionTool(ctx, "get_weather_for_city", map[string]any{"city": "Oslo", "days": 2})
	require.NoError(t, err)
	_, err = wrapped.(Invoker).CallTool(ctx, "get_weather_for_city", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{
		`Weather.get_weather_for_city.city: "Oslo",days: 2`,
		"Weather:get_weather_for_city",
	}, tracker.Entries())
	require.Len(t, calls, 2)
	assert.Equal(t, LevelSession, calls[0].Level)
	assert.Equal(t, LevelPlugin, calls[1].Level)
}

func TestWrapSessionOnlyPlugin(t *testing.T) {
	wrapped, err := Wrap(sessionOnly{name: "S"})
	require.NoError(t, err)
	_, isInv := wrapped.(Invoker)
	assert.False(t, isInv)

	tracker := New()
	_, err = wrapped.(SessionInvoker).CallSessionTool(WithTracker(context.Background(), tracker), "t", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"S.t."}, tracker.Entries())
}

func TestWrapWithoutEntryPointsIsNoop(t *testing.T) {
	p := bare{}
	wrapped, err := Wrap(p)
	require.NoError(t, err)
	assert.Equal(t, p, wrapped)
}

func TestWrapIsIdempotent(t *testing.T) {
	once, err := Wrap(&echoPlugin{name: "W"})
	require.NoError(t, err)
	twice, err := Wrap(once)
	require.NoError(t, err)
	assert.Same(t, once, twice)

	tracker := New()
	_, err = twice.(Invoker).CallTool(WithTracker(context.Background(), tracker), "t", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"W:t"}, tracker.Entries())
}

func TestInstallWrappersIsolatesFailures(t *testing.T) {
	good := &echoPlugin{name: "Good"}
	out := InstallWrappers([]Plugin{nil, &panicky{}, good, bare{}}, WithLogger(nil))
	require.Len(t, out, 3)

	_, isWrapped := out[1].(interface{ Unwrap() Plugin })
	assert.True(t, isWrapped)
	assert.Equal(t, bare{}, out[2])

	tracker := New()
	_, err := out[1].(Invoker).CallTool(WithTracker(context.Background(), tracker), "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Good:ping"}, tracker.Entries())
}

func TestConcurrentRequestsStayIsolated(t *testing.T) {
	a, err := Wrap(&echoPlugin{name: "A"})
	require.NoError(t, err)
	b, err := Wrap(&sessionPlugin{echoPlugin{name: "B"}})
	require.NoError(t, err)

	const calls = 200
	run := func(p Plugin, tracker *Tracker, wg *sync.WaitGroup) {
		defer wg.Done()
		ctx := WithTracker(context.Background(), tracker)
		for i := 0; i < calls; i++ {
			_, _ = p.(Invoker).CallTool(ctx, fmt.Sprintf("t%d", i), nil)
		}
	}

	trackerA, trackerB := New(), New()
	var wg sync.WaitGroup
	wg.Add(2)
	go run(a, trackerA, &wg)
	go run(b, trackerB, &wg)
	wg.Wait()

	entriesA, entriesB := trackerA.Entries(), trackerB.Entries()
	require.Len(t, entriesA, calls)
	require.Len(t, entriesB, calls)
	for i := 0; i < calls; i++ {
		assert.Equal(t, fmt.Sprintf("A:t%d", i), entriesA[i])
		assert.Equal(t, fmt.Sprintf("B:t%d", i), entriesB[i])
	}
}

func TestTrackerConcurrentCallsWithinOneRequest(t *testing.T) {
	wrapped, err := Wrap(&echoPlugin{name: "P"})
	require.NoError(t, err)
	tracker := New()
	ctx := WithTracker(context.Background(), tracker)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = wrapped.(Invoker).CallTool(ctx, fmt.Sprintf("t%d", i), nil)
		}(i)
	}
	wg.Wait()
	assert.Len(t, tracker.Entries(), 50)
}

func TestSummarizeArgs(t *testing.T) {
	assert.Equal(t, "", SummarizeArgs(nil))
	assert.Equal(t, `a: null,b: [1,2],c: "x"`, SummarizeArgs(map[string]any{
		"c": "x",
		"a": nil,
		"b": []int{1, 2},
	}))
}

func TestToolsLooksThroughWrappers(t *testing.T) {
	wrapped, err := Wrap(&listingPlugin{echoPlugin{name: "L"}})
	require.NoError(t, err)
	_, isLister := wrapped.(Lister)
	assert.False(t, isLister)
	assert.Equal(t, []string{"a", "b"}, Tools(wrapped))

	assert.Nil(t, Tools(bare{}))
	assert.Nil(t, Tools(nil))
}
