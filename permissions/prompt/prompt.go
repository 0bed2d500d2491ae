// Package prompt asks the user to arbitrate permission requests.
//
// Terminal draws a one-question bubbletea program on a TTY. Line reads
// answers from any reader and is used when no terminal is attached or when
// answers are piped in.
package prompt

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/wippyai/opbridge/permissions"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	requestStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	grantedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	deniedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))
)

type keyMap struct {
	Allow    key.Binding
	Deny     key.Binding
	AllowAll key.Binding
	Quit     key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Allow, k.Deny, k.AllowAll}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{{k.Allow, k.Deny, k.AllowAll}, {k.Quit}}
}

var keys = keyMap{
	Allow:    key.NewBinding(key.WithKeys("y"), key.WithHelp("y", "allow")),
	Deny:     key.NewBinding(key.WithKeys("n", "esc"), key.WithHelp("n", "deny")),
	AllowAll: key.NewBinding(key.WithKeys("A"), key.WithHelp("A", "allow all")),
	Quit:     key.NewBinding(key.WithKeys("ctrl+c"), key.WithHelp("ctrl+c", "deny and stop asking")),
}

type model struct {
	help    help.Model
	req     permissions.PromptRequest
	answer  permissions.Answer
	decided bool
}

func newModel(req permissions.PromptRequest) model {
	return model{req: req, help: help.New()}
}

func (m model) Init() tea.Cmd { return nil }

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Allow):
			m.answer, m.decided = permissions.Allow, true
		case key.Matches(msg, keys.AllowAll):
			m.answer, m.decided = permissions.AllowAll, true
		case key.Matches(msg, keys.Deny), key.Matches(msg, keys.Quit):
			m.answer, m.decided = permissions.Deny, true
		default:
			return m, nil
		}
		return m, tea.Quit

	case tea.WindowSizeMsg:
		m.help.Width = msg.Width
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Permission request"))
	b.WriteString(" ")
	b.WriteString(requestStyle.Render(m.req.Message()))
	b.WriteString("\n")

	if m.decided {
		style := grantedStyle
		if m.answer == permissions.Deny {
			style = deniedStyle
		}
		b.WriteString(style.Render(outcome(m.answer, m.req)))
		b.WriteString("\n")
		return b.String()
	}
	b.WriteString(m.help.View(keys))
	b.WriteString("\n")
	return b.String()
}

func outcome(a permissions.Answer, req permissions.PromptRequest) string {
	switch a {
	case permissions.Allow:
		return fmt.Sprintf("Granted %s.", req.Message())
	case permissions.AllowAll:
		return fmt.Sprintf("Granted all %s access.", req.Name)
	default:
		return fmt.Sprintf("Denied %s.", req.Message())
	}
}

// Terminal prompts on an interactive terminal.
type Terminal struct {
	in  io.Reader
	out io.Writer
}

// NewTerminal returns a prompter reading keys from in and drawing on out.
func NewTerminal(in io.Reader, out io.Writer) *Terminal {
	return &Terminal{in: in, out: out}
}

// Prompt runs the question until a key decides it or ctx ends.
func (t *Terminal) Prompt(ctx context.Context, req permissions.PromptRequest) (permissions.Answer, error) {
	p := tea.NewProgram(newModel(req),
		tea.WithContext(ctx),
		tea.WithInput(t.in),
		tea.WithOutput(t.out),
		tea.WithoutSignalHandler(),
	)
	final, err := p.Run()
	if err != nil {
		return permissions.Deny, fmt.Errorf("permission prompt: %w", err)
	}
	m, ok := final.(model)
	if !ok || !m.decided {
		return permissions.Deny, fmt.Errorf("permission prompt: no answer")
	}
	return m.answer, nil
}

// Line prompts by writing a question and reading one answer per line.
type Line struct {
	r *bufio.Reader
	w io.Writer
}

// NewLine returns a line prompter.
func NewLine(r io.Reader, w io.Writer) *Line {
	return &Line{r: bufio.NewReader(r), w: w}
}

// Prompt asks until it reads y, n or A. Reaching the end of the input is an
// error.
func (l *Line) Prompt(ctx context.Context, req permissions.PromptRequest) (permissions.Answer, error) {
	for {
		if err := ctx.Err(); err != nil {
			return permissions.Deny, err
		}
		if _, err := fmt.Fprintf(l.w, "Permission request: %s. Allow? [y/n/A] ", req.Message()); err != nil {
			return permissions.Deny, err
		}
		line, err := l.r.ReadString('\n')
		if a, ok := parseAnswer(line); ok {
			fmt.Fprintln(l.w, outcome(a, req))
			return a, nil
		}
		if err != nil {
			return permissions.Deny, fmt.Errorf("permission prompt: %w", err)
		}
		fmt.Fprintln(l.w, "Unrecognized option.")
	}
}

func parseAnswer(line string) (permissions.Answer, bool) {
	switch strings.TrimSpace(line) {
	case "y", "Y", "yes":
		return permissions.Allow, true
	case "n", "N", "no":
		return permissions.Deny, true
	case "A":
		return permissions.AllowAll, true
	}
	return permissions.Deny, false
}

// Auto picks a prompter for the process's standard streams: the terminal
// prompter when stdin is a TTY, nil otherwise.
func Auto(in, out *os.File) permissions.Prompter {
	if !term.IsTerminal(int(in.Fd())) {
		return nil
	}
	return NewTerminal(in, out)
}
