package permissions

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/opbridge/broker"
	"github.com/wippyai/opbridge/errors"
)

func TestQuery_Hierarchy(t *testing.T) {
	c, err := NewContainer(Options{
		Allow: map[Name][]string{
			Read: {"/srv/data"},
			Net:  {"example.com", "api.test:8443", "*.internal"},
			Env:  {"AWS_*", "HOME"},
		},
		Deny: map[Name][]string{
			Read: {"/srv/data/secret"},
		},
	})
	require.NoError(t, err)

	tests := []struct {
		name  Name
		value string
		want  State
	}{
		{Read, "/srv/data", Granted},
		{Read, "/srv/data/a/b.txt", Granted},
		{Read, "/srv/database", Prompt},
		{Read, "/srv/data/secret", Denied},
		{Read, "/srv/data/secret/key.pem", Denied},
		{Read, "", Prompt},
		{Write, "/srv/data", Prompt},
		{Net, "example.com", Granted},
		{Net, "example.com:443", Granted},
		{Net, "api.test:8443", Granted},
		{Net, "api.test:80", Prompt},
		{Net, "db.internal:5432", Granted},
		{Net, "", Prompt},
		{Env, "AWS_REGION", Granted},
		{Env, "HOME", Granted},
		{Env, "PATH", Prompt},
		{Run, "git", Prompt},
	}
	for _, tt := range tests {
		got, err := c.Query(tt.name, tt.value)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s %q", tt.name, tt.value)
	}
}

func TestQuery_Globs(t *testing.T) {
	c, err := NewContainer(Options{Allow: map[Name][]string{Read: {"/srv/**/*.json", "/opt/app*"}}})
	require.NoError(t, err)

	assert.Equal(t, Granted, c.domains[Read].Query("/srv/a/b/c.json"))
	assert.Equal(t, Prompt, c.domains[Read].Query("/srv/a/b/c.yaml"))
	assert.Equal(t, Granted, c.domains[Read].Query("/opt/app2/bin/run"))
}

func TestQuery_RelativePaths(t *testing.T) {
	c, err := NewContainer(Options{Cwd: "/home/me", Allow: map[Name][]string{Write: {"out"}}})
	require.NoError(t, err)

	assert.Equal(t, Granted, c.domains[Write].Query("/home/me/out/x"))
	assert.Equal(t, Granted, c.domains[Write].Query("out/../out/y"))
	assert.Equal(t, Prompt, c.domains[Write].Query("/home/me/other"))
}

func TestAllowAll(t *testing.T) {
	c, err := NewContainer(Options{AllowAll: true, Deny: map[Name][]string{Env: {"SECRET"}}})
	require.NoError(t, err)

	for _, n := range Names {
		s, _ := c.Query(n, "")
		if n == Env {
			assert.Equal(t, Granted, s, "explicit value-level deny does not block the global query")
			continue
		}
		assert.Equal(t, Granted, s, n)
	}
	s, _ := c.Query(Env, "SECRET")
	assert.Equal(t, Denied, s)

	assert.NoError(t, NewAllowAll().Check(context.Background(), Run, "rm", "op_run"))
}

func TestRequest_WithoutArbiterDenies(t *testing.T) {
	c, err := NewContainer(Options{})
	require.NoError(t, err)

	s, err := c.Request(context.Background(), Read, "/etc/hosts")
	require.NoError(t, err)
	assert.Equal(t, Denied, s)

	// nothing was recorded, the scope is still open
	s, _ = c.Query(Read, "/etc/hosts")
	assert.Equal(t, Prompt, s)
}

type scriptedPrompter struct {
	answers []Answer
	seen    []PromptRequest
}

func (p *scriptedPrompter) Prompt(_ context.Context, req PromptRequest) (Answer, error) {
	p.seen = append(p.seen, req)
	if len(p.answers) == 0 {
		return Deny, stderrors.New("no more answers")
	}
	a := p.answers[0]
	p.answers = p.answers[1:]
	return a, nil
}

func TestRequest_PromptDenialIsExact(t *testing.T) {
	p := &scriptedPrompter{answers: []Answer{Deny, Allow}}
	c, err := NewContainer(Options{}, WithPrompter(p))
	require.NoError(t, err)
	ctx := context.Background()

	s, _ := c.Request(ctx, Read, "")
	assert.Equal(t, Denied, s, "global read denied at the prompt")
	s, _ = c.Query(Read, "")
	assert.Equal(t, Denied, s)

	// a narrower scope was never denied and can still be granted
	s, _ = c.Request(ctx, Read, "/tmp/x")
	assert.Equal(t, Granted, s)
	s, _ = c.Query(Read, "/tmp/x")
	assert.Equal(t, Granted, s)

	// answered once, never asked again
	s, _ = c.Request(ctx, Read, "/tmp/x")
	assert.Equal(t, Granted, s)
	assert.Len(t, p.seen, 2)
}

func TestRequest_ConfigDenialIsHierarchical(t *testing.T) {
	p := &scriptedPrompter{answers: []Answer{Allow}}
	c, err := NewContainer(Options{Deny: map[Name][]string{Net: {"evil.com"}}}, WithPrompter(p))
	require.NoError(t, err)

	s, _ := c.Request(context.Background(), Net, "evil.com:443")
	assert.Equal(t, Denied, s)
	assert.Empty(t, p.seen, "configured denials never prompt")
}

func TestRequest_AllowAllAnswer(t *testing.T) {
	p := &scriptedPrompter{answers: []Answer{AllowAll}}
	c, err := NewContainer(Options{}, WithPrompter(p))
	require.NoError(t, err)

	s, _ := c.Request(context.Background(), Env, "HOME")
	assert.Equal(t, Granted, s)
	s, _ = c.Query(Env, "")
	assert.Equal(t, Granted, s)
}

func TestRequest_PrompterErrorDenies(t *testing.T) {
	p := &scriptedPrompter{}
	c, err := NewContainer(Options{}, WithPrompter(p))
	require.NoError(t, err)

	s, _ := c.Request(context.Background(), Sys, "hostname")
	assert.Equal(t, Denied, s)
	s, _ = c.Query(Sys, "hostname")
	assert.Equal(t, Prompt, s)
}

type fakeBroker struct {
	allow map[string]bool
	calls []string
	err   error
}

func (b *fakeBroker) Request(permission, value string) (broker.Decision, error) {
	b.calls = append(b.calls, permission+":"+value)
	if b.err != nil {
		return broker.Decision{}, b.err
	}
	return broker.Decision{Allow: b.allow[permission+":"+value]}, nil
}

func TestRequest_BrokerBeforePrompter(t *testing.T) {
	b := &fakeBroker{allow: map[string]bool{"run:git": true}}
	p := &scriptedPrompter{answers: []Answer{Allow, Allow}}
	c, err := NewContainer(Options{}, WithBroker(b), WithPrompter(p))
	require.NoError(t, err)
	ctx := context.Background()

	assert.NoError(t, c.Check(ctx, Run, "git", "op_run"))
	err = c.Check(ctx, Run, "curl", "op_run")
	require.Error(t, err)
	assert.Equal(t, errors.ClassPermissionDenied, errors.ClassOf(err))

	assert.Equal(t, []string{"run:git", "run:curl"}, b.calls)
	assert.Empty(t, p.seen, "the prompter is not consulted when a broker is present")
}

func TestRequest_BrokerFailureDenies(t *testing.T) {
	b := &fakeBroker{err: stderrors.New("broker gone")}
	c, err := NewContainer(Options{}, WithBroker(b))
	require.NoError(t, err)

	s, _ := c.Request(context.Background(), Write, "/tmp/a")
	assert.Equal(t, Denied, s)
}

func TestRevoke(t *testing.T) {
	c, err := NewContainer(Options{Allow: map[Name][]string{Read: {"/a", "/a/b", "/c"}}})
	require.NoError(t, err)

	s, _ := c.Revoke(Read, "/a")
	assert.Equal(t, Prompt, s)
	s, _ = c.Query(Read, "/a/b/file")
	assert.Equal(t, Prompt, s, "narrower grants are revoked too")
	s, _ = c.Query(Read, "/c")
	assert.Equal(t, Granted, s)

	s, _ = c.Revoke(Read, "")
	assert.Equal(t, Prompt, s)
	s, _ = c.Query(Read, "/c")
	assert.Equal(t, Prompt, s)
}

func TestRevoke_BroaderGrant(t *testing.T) {
	c, err := NewContainer(Options{Allow: map[Name][]string{Read: {"/a"}, Net: {"*.example.com"}}})
	require.NoError(t, err)

	s, _ := c.Revoke(Read, "/a/b")
	assert.Equal(t, Prompt, s)
	s, _ = c.Query(Read, "/a/b")
	assert.Equal(t, Prompt, s)
	s, _ = c.Query(Read, "/a/b/c")
	assert.Equal(t, Prompt, s)

	s, _ = c.Revoke(Net, "api.example.com")
	assert.Equal(t, Prompt, s)
}

func TestRevoke_DropsGlobalGrant(t *testing.T) {
	c := NewAllowAll()
	s, _ := c.Revoke(Net, "example.com")
	assert.Equal(t, Prompt, s)
}

func TestCheck_Message(t *testing.T) {
	c, err := NewContainer(Options{})
	require.NoError(t, err)

	err = c.Check(context.Background(), Read, "/etc/passwd", "op_fs_open")
	require.Error(t, err)
	assert.Equal(t,
		`requires read access to "/etc/passwd" for op_fs_open, run again with the --allow-read flag`,
		errors.MessageOf(err))
}

func TestUnknownDomain(t *testing.T) {
	_, err := NewContainer(Options{Allow: map[Name][]string{"ffi": {"x"}}})
	require.Error(t, err)
	assert.Equal(t, errors.ClassNotFound, errors.ClassOf(err))

	c := NewAllowAll()
	_, err = c.Query("ffi", "")
	assert.Error(t, err)
}

func TestPromptRequest_Message(t *testing.T) {
	assert.Equal(t, `net access to "x.com:443" (op_fetch)`, PromptRequest{Name: Net, Value: "x.com:443", API: "op_fetch"}.Message())
	assert.Equal(t, "env access", PromptRequest{Name: Env}.Message())
}

func TestRequest_QueryWhileArbitrating(t *testing.T) {
	asked := make(chan struct{})
	answer := make(chan Answer)
	var prompts atomic.Int32
	c, err := NewContainer(
		Options{Allow: map[Name][]string{Read: {"/srv"}}},
		WithPrompter(PrompterFunc(func(context.Context, PromptRequest) (Answer, error) {
			if prompts.Add(1) == 1 {
				close(asked)
			}
			return <-answer, nil
		})))
	require.NoError(t, err)

	var wg sync.WaitGroup
	states := make([]State, 2)
	for i := range states {
		wg.Add(1)
		go func() {
			defer wg.Done()
			states[i], _ = c.Request(context.Background(), Read, "/etc/hosts")
		}()
	}
	<-asked

	done := make(chan error, 1)
	go func() { done <- c.Check(context.Background(), Read, "/srv/file", "op_fs_open") }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("granted check blocked behind an open prompt")
	}
	s, _ := c.Query(Read, "/etc/hosts")
	assert.Equal(t, Prompt, s)

	answer <- Allow
	wg.Wait()
	assert.Equal(t, []State{Granted, Granted}, states)
	assert.EqualValues(t, 1, prompts.Load())
}
