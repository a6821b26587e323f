// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plexir/plexir/internal/provider"
)

// fakeTransport returns scripted results, one per call.
type fakeTransport struct {
	results []fakeResult
	calls   int
}

type fakeResult struct {
	resp *provider.Response
	err  error
}

func (f *fakeTransport) Send(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if f.calls >= len(f.results) {
		last := f.results[len(f.results)-1]
		f.calls++
		return last.resp, last.err
	}
	r := f.results[f.calls]
	f.calls++
	return r.resp, r.err
}

func fastConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		MaxJitter:   0,
	}
}

func TestExecuteSucceedsFirstTry(t *testing.T) {
	ft := &fakeTransport{results: []fakeResult{
		{resp: &provider.Response{Content: "ok"}},
	}}
	c := NewController(fastConfig())

	resp, err := c.Execute(context.Background(), ft, "groq", &provider.Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 1, ft.calls)
}

func TestExecuteRetriesTransientThenSucceeds(t *testing.T) {
	rateLimited := &provider.Error{Provider: "groq", Status: 429, Message: "slow down"}
	ft := &fakeTransport{results: []fakeResult{
		{err: rateLimited},
		{err: rateLimited},
		{resp: &provider.Response{Content: "eventually"}},
	}}
	c := NewController(fastConfig())

	resp, err := c.Execute(context.Background(), ft, "groq", &provider.Request{})
	require.NoError(t, err)
	assert.Equal(t, "eventually", resp.Content)
	assert.Equal(t, 3, ft.calls)
}

func TestExecuteEscalatesAfterCap(t *testing.T) {
	rateLimited := &provider.Error{Provider: "groq", Status: 429, Message: "slow down"}
	ft := &fakeTransport{results: []fakeResult{{err: rateLimited}}}
	c := NewController(fastConfig())

	_, err := c.Execute(context.Background(), ft, "groq", &provider.Request{})
	require.Error(t, err)

	var esc *EscalateError
	require.True(t, errors.As(err, &esc))
	assert.False(t, esc.Fatal)
	assert.Equal(t, 3, esc.Attempts)
	assert.Equal(t, 3, ft.calls)
	assert.ErrorIs(t, err, rateLimited)
}

func TestExecuteEscalatesFatalImmediately(t *testing.T) {
	unauthorized := &provider.Error{Provider: "openai", Status: 401, Message: "bad key"}
	ft := &fakeTransport{results: []fakeResult{{err: unauthorized}}}
	c := NewController(fastConfig())

	_, err := c.Execute(context.Background(), ft, "openai", &provider.Request{})
	require.Error(t, err)

	var esc *EscalateError
	require.True(t, errors.As(err, &esc))
	assert.True(t, esc.Fatal)
	assert.Equal(t, 1, ft.calls)
}

func TestExecuteStopsOnCancel(t *testing.T) {
	rateLimited := &provider.Error{Provider: "groq", Status: 429, Message: "slow down"}
	ft := &fakeTransport{results: []fakeResult{{err: rateLimited}}}

	c := NewController(Config{
		MaxAttempts: 10,
		BaseDelay:   time.Hour,
		MaxDelay:    time.Hour,
		MaxJitter:   0,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := c.Execute(ctx, ft, "groq", &provider.Request{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, ft.calls)
}

func TestDelayHonorsProviderHint(t *testing.T) {
	c := NewController(Config{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		MaxJitter:   0,
	})

	hinted := &provider.Error{Status: 429, RetryAfter: 7 * time.Second}
	assert.Equal(t, 7*time.Second, c.Delay(0, hinted))

	// Hints above the cap are clamped.
	huge := &provider.Error{Status: 429, RetryAfter: 5 * time.Minute}
	assert.Equal(t, 30*time.Second, c.Delay(0, huge))
}

func TestDelayGrowsExponentiallyAndCaps(t *testing.T) {
	c := NewController(Config{
		MaxAttempts: 20,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		MaxJitter:   0,
	})

	plain := errors.New("connection reset")
	assert.Equal(t, 500*time.Millisecond, c.Delay(0, plain))
	assert.Equal(t, time.Second, c.Delay(1, plain))
	assert.Equal(t, 2*time.Second, c.Delay(2, plain))
	assert.Equal(t, 30*time.Second, c.Delay(10, plain))
	// Shift overflow still clamps to the cap.
	assert.Equal(t, 30*time.Second, c.Delay(60, plain))
}

func TestTransientClassification(t *testing.T) {
	assert.True(t, Transient(&provider.Error{Status: 429}))
	assert.True(t, Transient(&provider.Error{Status: 503}))
	assert.False(t, Transient(&provider.Error{Status: 401}))
	assert.False(t, Transient(&provider.Error{Status: 400}))
	assert.True(t, Transient(errors.New("dial tcp: network unreachable")))
	assert.False(t, Transient(context.Canceled))
	assert.False(t, Transient(nil))
}
