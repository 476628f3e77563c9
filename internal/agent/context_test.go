package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/mcpagent/internal/llm"
	"github.com/nugget/mcpagent/internal/mcp"
)

type fakeSessionSource struct {
	s  mcp.Session
	ok bool
}

func (f fakeSessionSource) Session() (mcp.Session, bool) { return f.s, f.ok }

type stubProvider struct {
	text string
	err  error
}

func (p stubProvider) GetContext(context.Context, string) (string, error) { return p.text, p.err }

func TestSessionProvider(t *testing.T) {
	tests := []struct {
		name string
		src  fakeSessionSource
		want string
	}{
		{
			name: "no session",
			want: "",
		},
		{
			name: "stdio server with version",
			src: fakeSessionSource{ok: true, s: mcp.Session{
				Transport: mcp.KindStdio,
				Server:    mcp.ServerInfo{Name: "slack-mcp", Version: "0.9"},
			}},
			want: "[Tools: provided by MCP server slack-mcp 0.9 over stdio. " +
				"Tool results are authoritative; report tool errors instead of guessing.]",
		},
		{
			name: "unnamed server",
			src:  fakeSessionSource{ok: true, s: mcp.Session{Transport: mcp.KindStream}},
			want: "[Tools: provided by MCP server unnamed over stream. " +
				"Tool results are authoritative; report tool errors instead of guessing.]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewSessionProvider(tt.src).GetContext(context.Background(), "hi")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompositeContextProvider(t *testing.T) {
	c := NewCompositeContextProvider(
		stubProvider{text: "first"},
		nil,
		stubProvider{err: errors.New("broken")},
		stubProvider{},
	)
	c.Add(stubProvider{text: "second"})
	c.Add(nil)

	got, err := c.GetContext(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "first\n\nsecond", got)
}

func TestCompositeContextProvider_SessionThenGuidance(t *testing.T) {
	src := fakeSessionSource{ok: true, s: mcp.Session{
		Transport: mcp.KindStream,
		Server:    mcp.ServerInfo{Name: "slack"},
	}}
	c := NewCompositeContextProvider(NewSessionProvider(src), StaticProvider("  Prefix channel names with #.\n"))

	got, err := c.GetContext(context.Background(), "which channels?")
	require.NoError(t, err)
	assert.Equal(t, "[Tools: provided by MCP server slack over stream. "+
		"Tool results are authoritative; report tool errors instead of guessing.]\n\n"+
		"Prefix channel names with #.", got)

	// Without a session, and without guidance, nothing is added.
	empty := NewCompositeContextProvider(NewSessionProvider(fakeSessionSource{}), StaticProvider(""))
	got, err = empty.GetContext(context.Background(), "hi")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestWithSystemContext(t *testing.T) {
	user := llm.Message{Role: llm.RoleUser, Content: "hi"}

	assert.Equal(t, []llm.Message{user}, withSystemContext([]llm.Message{user}, ""))

	got := withSystemContext([]llm.Message{user}, "extra")
	require.Len(t, got, 2)
	assert.Equal(t, llm.Message{Role: llm.RoleSystem, Content: "extra"}, got[0])

	orig := []llm.Message{{Role: llm.RoleSystem, Content: "base"}, user}
	got = withSystemContext(orig, "extra")
	assert.Equal(t, "base\n\nextra", got[0].Content)
	assert.Equal(t, "base", orig[0].Content)
}
