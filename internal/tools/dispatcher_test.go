package tools

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/mcpagent/internal/events"
	"github.com/nugget/mcpagent/internal/mcp"
	"github.com/nugget/mcpagent/internal/metrics"
)

func newTestDispatcher(s *fakeSessions, cfg DispatcherConfig) *Dispatcher {
	return NewDispatcher(s, NewRegistry(s, RegistryConfig{}), cfg)
}

func TestDispatcher_ChannelsList(t *testing.T) {
	s := newFakeSessions(nil)
	d := newTestDispatcher(s, DispatcherConfig{})

	res, err := d.CallTool(context.Background(), "channels_list", map[string]any{})
	require.NoError(t, err)

	assert.Equal(t, "channels_list", res.ToolName)
	assert.False(t, res.IsError)
	require.Len(t, res.Content, 1)
	assert.Equal(t, BlockText, res.Content[0].Type)
	assert.Equal(t, "C1,general\nC2,random", res.Content[0].Text)
	assert.Equal(t, "session-1", res.SessionID)
	assert.Equal(t, 1, res.Attempts)
}

func TestDispatcher_UnknownToolSendsNothing(t *testing.T) {
	s := newFakeSessions(nil)
	d := newTestDispatcher(s, DispatcherConfig{})

	_, err := d.CallTool(context.Background(), "drop_tables", nil)
	var ute *UnknownToolError
	require.True(t, errors.As(err, &ute), "got %v", err)
	assert.Zero(t, s.totalCalls())
}

func TestDispatcher_UnknownToolOnInvalidSessionFailsFast(t *testing.T) {
	s := newFakeSessions(nil)
	d := newTestDispatcher(s, DispatcherConfig{})

	_, err := d.CallTool(context.Background(), "channels_list", nil)
	require.NoError(t, err)
	require.EqualValues(t, 1, s.caller(0).listCalls.Load())

	s.invalidate()
	_, err = d.CallTool(context.Background(), "drop_tables", nil)

	var ute *UnknownToolError
	require.True(t, errors.As(err, &ute), "got %v", err)
	var tie *ToolInvocationError
	assert.False(t, errors.As(err, &tie), "unknown tool wrapped: %v", err)
	assert.Zero(t, s.reestablish.Load())
	assert.EqualValues(t, 1, s.caller(0).listCalls.Load())
	assert.EqualValues(t, 1, s.caller(0).callCalls.Load())
}

func TestDispatcher_ExpiredRetriesOnce(t *testing.T) {
	s := newFakeSessions(func(gen int) *fakeCaller {
		c := &fakeCaller{tools: slackTools()}
		if gen == 1 {
			c.callErr = func(string, int32) error { return expired("session-1") }
		}
		return c
	})
	m := metrics.New()
	d := newTestDispatcher(s, DispatcherConfig{Metrics: m})

	res, err := d.CallTool(context.Background(), "channels_list", nil)
	require.NoError(t, err)

	assert.Equal(t, "session-2", res.SessionID)
	assert.Equal(t, 2, res.Attempts)
	assert.EqualValues(t, 1, s.reestablish.Load())
	assert.EqualValues(t, 1, s.caller(0).callCalls.Load())
	assert.EqualValues(t, 1, s.caller(1).callCalls.Load())
	// The registry was reloaded for the new session.
	assert.EqualValues(t, 1, s.caller(1).listCalls.Load())
}

func TestDispatcher_SecondExpiryIsFatal(t *testing.T) {
	s := newFakeSessions(func(gen int) *fakeCaller {
		id := fmt.Sprintf("session-%d", gen)
		return &fakeCaller{
			tools:   slackTools(),
			callErr: func(string, int32) error { return expired(id) },
		}
	})
	d := newTestDispatcher(s, DispatcherConfig{})

	_, err := d.CallTool(context.Background(), "channels_list", nil)
	var tie *ToolInvocationError
	require.True(t, errors.As(err, &tie), "got %v", err)
	assert.Equal(t, "channels_list", tie.Tool)
	assert.Equal(t, 2, tie.Attempts)
	assert.True(t, mcp.IsSessionExpired(err))

	assert.EqualValues(t, 1, s.reestablish.Load())
	assert.EqualValues(t, 2, s.totalCalls())
}

func TestDispatcher_OtherErrorsPropagate(t *testing.T) {
	rpcErr := &mcp.RPCError{Code: mcp.CodeInvalidParams, Message: "missing channel"}
	tests := []struct {
		name string
		err  error
	}{
		{"rpc error", rpcErr},
		{"timeout", &mcp.TimeoutError{Method: "tools/call", ID: 3, Timeout: time.Second}},
		{"transport", errBoom},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newFakeSessions(func(int) *fakeCaller {
				return &fakeCaller{
					tools:   slackTools(),
					callErr: func(string, int32) error { return tt.err },
				}
			})
			d := newTestDispatcher(s, DispatcherConfig{})

			_, err := d.CallTool(context.Background(), "channels_list", nil)
			require.ErrorIs(t, err, tt.err)
			var tie *ToolInvocationError
			assert.False(t, errors.As(err, &tie))
			assert.Zero(t, s.reestablish.Load())
			assert.EqualValues(t, 1, s.totalCalls())
		})
	}
}

func TestDispatcher_InvalidSessionBeforeCall(t *testing.T) {
	s := newFakeSessions(nil)
	d := newTestDispatcher(s, DispatcherConfig{})
	ctx := context.Background()

	_, err := d.CallTool(ctx, "channels_list", nil)
	require.NoError(t, err)

	s.invalidate()
	res, err := d.CallTool(ctx, "channels_list", nil)
	require.NoError(t, err)
	assert.Equal(t, "session-2", res.SessionID)
	assert.Equal(t, 1, res.Attempts)
	assert.EqualValues(t, 1, s.reestablish.Load())
}

func TestDispatcher_ReestablishFailure(t *testing.T) {
	s := newFakeSessions(func(int) *fakeCaller {
		return &fakeCaller{
			tools:   slackTools(),
			callErr: func(string, int32) error { return expired("session-1") },
		}
	})
	s.reestablishErr = &mcp.SessionEstablishmentError{Transport: mcp.KindStream, Err: errBoom}
	d := newTestDispatcher(s, DispatcherConfig{})

	_, err := d.CallTool(context.Background(), "channels_list", nil)
	var tie *ToolInvocationError
	require.True(t, errors.As(err, &tie))
	assert.Equal(t, 1, tie.Attempts)
	var see *mcp.SessionEstablishmentError
	assert.True(t, errors.As(err, &see))
}

func TestDispatcher_ToolGoneAfterReestablish(t *testing.T) {
	s := newFakeSessions(func(gen int) *fakeCaller {
		if gen == 1 {
			return &fakeCaller{
				tools:   slackTools(),
				callErr: func(string, int32) error { return expired("session-1") },
			}
		}
		return &fakeCaller{tools: slackTools()[1:]}
	})
	d := newTestDispatcher(s, DispatcherConfig{})

	_, err := d.CallTool(context.Background(), "channels_list", nil)
	var ute *UnknownToolError
	require.True(t, errors.As(err, &ute), "got %v", err)
	var tie *ToolInvocationError
	assert.False(t, errors.As(err, &tie), "unknown tool wrapped: %v", err)
	assert.EqualValues(t, 1, s.reestablish.Load())
	assert.Zero(t, s.caller(1).callCalls.Load())
}

func TestDispatcher_IsErrorResultIsNotAnError(t *testing.T) {
	s := newFakeSessions(nil)
	d := newTestDispatcher(s, DispatcherConfig{})
	res, err := d.CallTool(context.Background(), "conversations_history", map[string]any{"echo": "channel not found"})
	require.NoError(t, err)
	assert.Equal(t, "channel not found", res.Text())
}

func TestDispatcher_CallToolsConcurrent(t *testing.T) {
	s := newFakeSessions(func(int) *fakeCaller {
		return &fakeCaller{
			tools: slackTools(),
			callErr: func(name string, _ int32) error {
				if name == "conversations_add_message" {
					return errBoom
				}
				return nil
			},
		}
	})
	d := newTestDispatcher(s, DispatcherConfig{MaxConcurrency: 2})

	calls := []Call{
		{ID: "a", Name: "channels_list"},
		{ID: "b", Name: "conversations_add_message"},
		{ID: "c", Name: "conversations_history", Arguments: map[string]any{"echo": "hi"}},
		{ID: "d", Name: "nope"},
	}
	out := d.CallTools(context.Background(), calls)
	require.Len(t, out, 4)

	assert.Equal(t, "a", out[0].Call.ID)
	require.NoError(t, out[0].Err)
	assert.ErrorIs(t, out[1].Err, errBoom)
	require.NoError(t, out[2].Err)
	assert.Equal(t, "hi", out[2].Result.Text())
	var ute *UnknownToolError
	assert.True(t, errors.As(out[3].Err, &ute))
}

func TestDispatcher_RateLimitHonorsContext(t *testing.T) {
	s := newFakeSessions(nil)
	d := newTestDispatcher(s, DispatcherConfig{RateLimit: 0.001, RateBurst: 1})

	_, err := d.CallTool(context.Background(), "channels_list", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = d.CallTool(ctx, "channels_list", nil)
	require.Error(t, err)
	assert.EqualValues(t, 1, s.totalCalls())
}

func TestDispatcher_EmitsEvents(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(16)
	defer bus.Unsubscribe(ch)

	s := newFakeSessions(nil)
	d := newTestDispatcher(s, DispatcherConfig{Events: bus})
	_, err := d.CallTool(context.Background(), "channels_list", nil)
	require.NoError(t, err)

	var kinds []string
	for len(kinds) < 2 {
		select {
		case e := <-ch:
			kinds = append(kinds, e.Kind)
		case <-time.After(time.Second):
			t.Fatalf("got events %v", kinds)
		}
	}
	assert.Equal(t, []string{events.KindToolCall, events.KindToolDone}, kinds)
}

func TestDispatcher_FunctionsReestablishesExpiredSession(t *testing.T) {
	s := newFakeSessions(nil)
	d := newTestDispatcher(s, DispatcherConfig{})

	fns, err := d.Functions(context.Background())
	require.NoError(t, err)
	require.Len(t, fns, 3)

	s.invalidate()
	fns, err = d.Functions(context.Background())
	require.NoError(t, err)
	assert.Len(t, fns, 3)
	assert.Equal(t, int32(1), s.reestablish.Load())
	assert.Equal(t, "session-2", d.Registry().SessionID())
}

func TestDispatcher_FunctionsReestablishFailure(t *testing.T) {
	s := newFakeSessions(nil)
	s.reestablishErr = &mcp.SessionEstablishmentError{Transport: mcp.KindStream, Err: errBoom}
	s.invalidate()
	d := newTestDispatcher(s, DispatcherConfig{})

	_, err := d.Functions(context.Background())
	var ee *mcp.SessionEstablishmentError
	assert.True(t, errors.As(err, &ee), "got %v", err)
}
