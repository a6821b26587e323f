// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	plexirctx "github.com/plexir/plexir/internal/context"
	"github.com/plexir/plexir/internal/model"
	"github.com/plexir/plexir/internal/provider"
	"github.com/plexir/plexir/internal/retry"
	"github.com/plexir/plexir/internal/router"
	"github.com/plexir/plexir/internal/session"
	"github.com/plexir/plexir/internal/telemetry"
)

// funcTransport delegates to a closure and counts calls.
type funcTransport struct {
	fn    func(ctx context.Context, req *provider.Request) (*provider.Response, error)
	calls int
}

func (f *funcTransport) Send(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	f.calls++
	return f.fn(ctx, req)
}

func echoTransport(name string) *funcTransport {
	return &funcTransport{fn: func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
		return &provider.Response{Content: "reply from " + name, Provider: name}, nil
	}}
}

func failingTransport(name string, status int) *funcTransport {
	return &funcTransport{fn: func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
		return nil, &provider.Error{Provider: name, Status: status, Message: "boom"}
	}}
}

type testRig struct {
	engine     *Engine
	transports map[string]*funcTransport
}

// newRig builds an engine over named fake transports, primary first.
func newRig(t *testing.T, opts Options, transports map[string]*funcTransport, order ...string) *testRig {
	t.Helper()
	for _, name := range order {
		opts.Providers = append(opts.Providers, &provider.Provider{
			Name:    name,
			Kind:    provider.KindGroq,
			Model:   "test-model",
			PriceIn: 1.00, PriceOut: 2.00,
		})
	}
	opts.Transport = func(p *provider.Provider) provider.Transport {
		return transports[p.Name]
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.Config{MaxAttempts: 2, BaseDelay: time.Microsecond, MaxDelay: time.Microsecond, MaxJitter: 0}
	}
	e, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return &testRig{engine: e, transports: transports}
}

func TestTurnCommitsHistoryAndUsage(t *testing.T) {
	rig := newRig(t, Options{}, map[string]*funcTransport{"a": echoTransport("a")}, "a")

	resp, err := rig.engine.SubmitTurn(context.Background(), "hello there")
	require.NoError(t, err)
	assert.Equal(t, "reply from a", resp.Content)

	hist := rig.engine.History()
	require.Len(t, hist, 2)
	assert.Equal(t, model.RoleUser, hist[0].Role)
	assert.Equal(t, "hello there", hist[0].Content)
	assert.Equal(t, model.RoleAssistant, hist[1].Role)

	usage := rig.engine.Usage()
	assert.Equal(t, 1, usage.Requests)
	// The fake reports no token counts, so both sides come from estimates.
	assert.Greater(t, usage.InputTokens, 0)
	assert.Greater(t, usage.OutputTokens, 0)
	assert.Greater(t, usage.Cost, 0.0)
}

func TestBudgetGateBlocksWithoutContactingProviders(t *testing.T) {
	// $1/1M input, $2/1M output; 510k in + 1 out costs $0.510002.
	expensive := &funcTransport{fn: func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
		return &provider.Response{Content: "pricey", InputTokens: 510_000, OutputTokens: 1}, nil
	}}
	rig := newRig(t, Options{}, map[string]*funcTransport{"a": expensive}, "a")

	_, err := rig.engine.SubmitTurn(context.Background(), "spend a lot")
	require.NoError(t, err)
	require.InDelta(t, 0.510002, rig.engine.Usage().Cost, 1e-9)

	rig.engine.SetBudget(0.50)
	callsBefore := expensive.calls

	_, err = rig.engine.SubmitTurn(context.Background(), "one more?")
	assert.ErrorIs(t, err, telemetry.ErrBudgetExceeded)
	assert.Equal(t, callsBefore, expensive.calls)
	// The rejected user message did not stick.
	assert.Len(t, rig.engine.History(), 2)
}

func TestFailoverScenarioPrimaryRateLimited(t *testing.T) {
	// Primary answers 429 forever; attempt cap 20 means 20 sends before
	// escalation. Backup succeeds and becomes sticky.
	a := failingTransport("a", 429)
	b := echoTransport("b")
	rig := newRig(t, Options{
		Retry: retry.Config{MaxAttempts: 20, BaseDelay: time.Microsecond, MaxDelay: time.Microsecond, MaxJitter: 0},
	}, map[string]*funcTransport{"a": a, "b": b}, "a", "b")

	resp, err := rig.engine.SubmitTurn(context.Background(), "hello?")
	require.NoError(t, err)
	assert.Equal(t, "reply from b", resp.Content)
	assert.Equal(t, 20, a.calls)
	assert.Equal(t, "b", rig.engine.ActiveProvider().Name)

	// Next turn goes straight to b.
	_, err = rig.engine.SubmitTurn(context.Background(), "still there?")
	require.NoError(t, err)
	assert.Equal(t, 20, a.calls)
}

func TestFailoverSendsDistilledContext(t *testing.T) {
	a := echoTransport("a")
	var failoverReq *provider.Request
	b := &funcTransport{fn: func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
		failoverReq = req
		return &provider.Response{Content: "distilled reply"}, nil
	}}
	rig := newRig(t, Options{
		Policy: plexirctx.Policy{SummarizeThreshold: 40, SummarizeBatch: 20, KeepRecent: 10, DistillRecent: 5},
	}, map[string]*funcTransport{"a": a, "b": b}, "a", "b")

	// Build up history on the primary.
	for i := 0; i < 10; i++ {
		_, err := rig.engine.SubmitTurn(context.Background(), "chatter")
		require.NoError(t, err)
	}
	require.Len(t, rig.engine.History(), 20)

	// Primary starts failing fatally; the turn fails over to b with a
	// recency-biased list instead of the full history.
	a.fn = failingTransport("a", 401).fn
	resp, err := rig.engine.SubmitTurn(context.Background(), "latest question")
	require.NoError(t, err)
	assert.Equal(t, "distilled reply", resp.Content)

	require.NotNil(t, failoverReq)
	assert.Len(t, failoverReq.Messages, 5)
	assert.Equal(t, "latest question", failoverReq.Messages[4].Content)

	// History itself was not reduced: 20 prior + user + assistant.
	assert.Len(t, rig.engine.History(), 22)
}

func TestAllProvidersExhaustedRollsBack(t *testing.T) {
	rig := newRig(t, Options{}, map[string]*funcTransport{
		"a": failingTransport("a", 500),
		"b": failingTransport("b", 503),
	}, "a", "b")

	_, err := rig.engine.SubmitTurn(context.Background(), "anyone?")
	var exhausted *router.ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Len(t, exhausted.Errors, 2)

	assert.Empty(t, rig.engine.History())
	assert.Zero(t, rig.engine.Usage().Requests)
}

func TestCancelledTurnLeavesNoTrace(t *testing.T) {
	blocking := &funcTransport{fn: func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	rig := newRig(t, Options{}, map[string]*funcTransport{"a": blocking}, "a")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := rig.engine.SubmitTurn(ctx, "take your time")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rig.engine.History())
	assert.Zero(t, rig.engine.Usage().Requests)
}

func TestSecondTurnRejectedWhileFirstInFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	slow := &funcTransport{fn: func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
		close(started)
		<-release
		return &provider.Response{Content: "done"}, nil
	}}
	rig := newRig(t, Options{}, map[string]*funcTransport{"a": slow}, "a")

	errCh := make(chan error, 1)
	go func() {
		_, err := rig.engine.SubmitTurn(context.Background(), "first")
		errCh <- err
	}()

	<-started
	_, err := rig.engine.SubmitTurn(context.Background(), "second")
	assert.ErrorIs(t, err, ErrTurnInFlight)

	close(release)
	require.NoError(t, <-errCh)
}

func TestReloadProvidersResetsSticky(t *testing.T) {
	a := failingTransport("a", 500)
	b := echoTransport("b")
	rig := newRig(t, Options{}, map[string]*funcTransport{"a": a, "b": b}, "a", "b")

	_, err := rig.engine.SubmitTurn(context.Background(), "hi")
	require.NoError(t, err)
	require.Equal(t, "b", rig.engine.ActiveProvider().Name)

	require.NoError(t, rig.engine.ReloadProviders(rig.engine.Providers()))
	assert.Equal(t, "a", rig.engine.ActiveProvider().Name)
}

func TestPinUnpinSurface(t *testing.T) {
	rig := newRig(t, Options{}, map[string]*funcTransport{"a": echoTransport("a")}, "a")
	_, err := rig.engine.SubmitTurn(context.Background(), "remember this")
	require.NoError(t, err)

	require.NoError(t, rig.engine.Pin(0))
	assert.True(t, rig.engine.History()[0].Pinned)
	require.NoError(t, rig.engine.Unpin(0))
	assert.False(t, rig.engine.History()[0].Pinned)
	assert.ErrorIs(t, rig.engine.Pin(99), plexirctx.ErrNotFound)
}

func TestSessionLifecycle(t *testing.T) {
	store, err := session.Open(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	defer store.Close()

	rig := newRig(t, Options{Store: store}, map[string]*funcTransport{"a": echoTransport("a")}, "a")
	_, err = rig.engine.SubmitTurn(context.Background(), "save me")
	require.NoError(t, err)
	require.NoError(t, rig.engine.SaveSession("work"))

	savedUsage := rig.engine.Usage()
	rig.engine.Clear()
	assert.Empty(t, rig.engine.History())
	assert.Zero(t, rig.engine.Usage().Requests)

	require.NoError(t, rig.engine.LoadSession("work"))
	assert.Len(t, rig.engine.History(), 2)
	assert.Equal(t, savedUsage.Requests, rig.engine.Usage().Requests)
	assert.InDelta(t, savedUsage.Cost, rig.engine.Usage().Cost, 1e-9)

	infos, err := rig.engine.Sessions()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "work", infos[0].Name)

	require.NoError(t, rig.engine.DeleteSession("work"))
	assert.ErrorIs(t, rig.engine.LoadSession("work"), session.ErrNotFound)
}
