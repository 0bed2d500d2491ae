package broker

import (
	"context"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRule(t *testing.T) {
	r, err := ParseRule("read:/tmp/**")
	require.NoError(t, err)
	assert.Equal(t, Rule{Permission: "read", Value: "/tmp/**"}, r)

	r, err = ParseRule("env")
	require.NoError(t, err)
	assert.Equal(t, Rule{Permission: "env"}, r)

	_, err = ParseRule(":x")
	assert.Error(t, err)
	_, err = ParseRule("read:[")
	assert.Error(t, err)
}

func TestRules_Decide(t *testing.T) {
	str := func(s string) *string { return &s }
	rules := Rules{
		Allow: []Rule{{Permission: "read", Value: "/work/**"}, {Permission: "env"}},
		Deny:  []Rule{{Permission: "read", Value: "/work/secret/**"}},
	}
	ctx := context.Background()

	assert.True(t, rules.Decide(ctx, Request{Permission: "read", Value: str("/work/a.txt")}).Allow)
	assert.True(t, rules.Decide(ctx, Request{Permission: "env", Value: str("HOME")}).Allow)
	assert.True(t, rules.Decide(ctx, Request{Permission: "env"}).Allow)

	d := rules.Decide(ctx, Request{Permission: "read", Value: str("/work/secret/key")})
	assert.False(t, d.Allow)
	assert.Contains(t, d.Reason, "read:/work/secret/**")

	assert.False(t, rules.Decide(ctx, Request{Permission: "read", Value: str("/etc/passwd")}).Allow)
	assert.False(t, rules.Decide(ctx, Request{Permission: "read"}).Allow, "global read is not covered by a path rule")
	assert.False(t, rules.Decide(ctx, Request{Permission: "net", Value: str("x.com")}).Allow)
}

func TestServer_UnixSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.sock")
	l, err := net.Listen("unix", path)
	require.NoError(t, err)

	srv := NewServer(Rules{Allow: []Rule{{Permission: "read", Value: "/tmp/**"}}})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, l) }()

	rec := &exitRecorder{}
	c, err := Dial(path, WithExit(rec.exit))
	require.NoError(t, err)

	d, err := c.Request("read", "/tmp/file.txt")
	require.NoError(t, err)
	assert.True(t, d.Allow)

	d, err = c.Request("read", "/etc/shadow")
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, "no matching allow rule", d.Reason)

	require.NoError(t, c.Close())
	cancel()
	require.NoError(t, <-done)
	assert.Empty(t, rec.calls())
}

func TestDial_Missing(t *testing.T) {
	_, err := Dial(filepath.Join(t.TempDir(), "nope.sock"))
	require.Error(t, err)
}
