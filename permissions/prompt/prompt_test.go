package prompt

import (
	"bytes"
	"context"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/opbridge/permissions"
)

var fsRead = permissions.PromptRequest{Name: permissions.Read, Value: "/etc/hosts", API: "op_fs_open"}

func runes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestModel_Keys(t *testing.T) {
	tests := []struct {
		msg  tea.KeyMsg
		want permissions.Answer
	}{
		{runes("y"), permissions.Allow},
		{runes("n"), permissions.Deny},
		{runes("A"), permissions.AllowAll},
		{tea.KeyMsg{Type: tea.KeyEsc}, permissions.Deny},
		{tea.KeyMsg{Type: tea.KeyCtrlC}, permissions.Deny},
	}
	for _, tt := range tests {
		t.Run(tt.msg.String(), func(t *testing.T) {
			next, cmd := newModel(fsRead).Update(tt.msg)
			m := next.(model)
			assert.True(t, m.decided)
			assert.Equal(t, tt.want, m.answer)
			require.NotNil(t, cmd)
			assert.IsType(t, tea.QuitMsg{}, cmd())
		})
	}
}

func TestModel_IgnoresOtherKeys(t *testing.T) {
	next, cmd := newModel(fsRead).Update(runes("x"))
	assert.False(t, next.(model).decided)
	assert.Nil(t, cmd)

	// lowercase a is not allow-all
	next, _ = newModel(fsRead).Update(runes("a"))
	assert.False(t, next.(model).decided)
}

func TestModel_View(t *testing.T) {
	m := newModel(fsRead)
	v := m.View()
	assert.Contains(t, v, `read access to "/etc/hosts" (op_fs_open)`)
	assert.Contains(t, v, "allow all")

	next, _ := m.Update(runes("y"))
	assert.Contains(t, next.View(), "Granted")
}

func TestLine_Answers(t *testing.T) {
	tests := []struct {
		input string
		want  permissions.Answer
	}{
		{"y\n", permissions.Allow},
		{"yes\n", permissions.Allow},
		{"n\n", permissions.Deny},
		{"A\n", permissions.AllowAll},
		{"  y  \n", permissions.Allow},
		{"y", permissions.Allow},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		got, err := NewLine(strings.NewReader(tt.input), &out).Prompt(context.Background(), fsRead)
		require.NoError(t, err, "input %q", tt.input)
		assert.Equal(t, tt.want, got, "input %q", tt.input)
		assert.Contains(t, out.String(), "Allow? [y/n/A]")
	}
}

func TestLine_RetriesUnrecognized(t *testing.T) {
	var out bytes.Buffer
	got, err := NewLine(strings.NewReader("maybe\nA\n"), &out).Prompt(context.Background(), fsRead)
	require.NoError(t, err)
	assert.Equal(t, permissions.AllowAll, got)
	assert.Equal(t, 2, strings.Count(out.String(), "Allow? [y/n/A]"))
	assert.Contains(t, out.String(), "Unrecognized option.")
	assert.Contains(t, out.String(), "Granted all read access.")
}

func TestLine_EOF(t *testing.T) {
	var out bytes.Buffer
	_, err := NewLine(strings.NewReader(""), &out).Prompt(context.Background(), fsRead)
	assert.Error(t, err)
}

func TestLine_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLine(strings.NewReader("y\n"), &bytes.Buffer{}).Prompt(ctx, fsRead)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLine_WithContainer(t *testing.T) {
	p := NewLine(strings.NewReader("n\ny\n"), &bytes.Buffer{})
	c, err := permissions.NewContainer(permissions.Options{}, permissions.WithPrompter(p))
	require.NoError(t, err)

	ctx := context.Background()
	assert.Error(t, c.Check(ctx, permissions.Env, "TOKEN", "op_env_get"))
	assert.NoError(t, c.Check(ctx, permissions.Env, "HOME", "op_env_get"))
}
