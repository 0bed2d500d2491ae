package permissions

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/opbridge/broker"
	"github.com/wippyai/opbridge/errors"
)

// State is the answer to a permission query.
type State uint8

const (
	Granted State = iota
	Prompt
	Denied
)

func (s State) String() string {
	switch s {
	case Granted:
		return "granted"
	case Prompt:
		return "prompt"
	default:
		return "denied"
	}
}

// All is the option value that stands for the whole domain.
const All = "*"

// Options configures a Container. Allow and Deny values are scopes of the
// domain; All (or an empty string) means the whole domain.
type Options struct {
	Allow    map[Name][]string
	Deny     map[Name][]string
	Cwd      string
	AllowAll bool
}

// Unary is the permission state of one domain.
type Unary struct {
	scope        scoper
	arb          *arbiter
	promptDenied map[string]bool
	name         Name
	granted      []string
	denied       []string
	globalGrant  bool
	globalDeny   bool
	mu           sync.Mutex
	// serializes arbitration so a value is asked about once
	arbMu sync.Mutex
}

func newUnary(name Name, cwd string, arb *arbiter) *Unary {
	return &Unary{
		name:         name,
		scope:        scoperFor(name, cwd),
		arb:          arb,
		promptDenied: make(map[string]bool),
	}
}

// Name returns the domain.
func (u *Unary) Name() Name { return u.name }

func (u *Unary) grant(v string) {
	v = u.scope.normalize(v)
	if v == "" || v == All {
		u.globalGrant = true
		return
	}
	if !slices.Contains(u.granted, v) {
		u.granted = append(u.granted, v)
	}
}

func (u *Unary) deny(v string) {
	v = u.scope.normalize(v)
	if v == "" || v == All {
		u.globalDeny = true
		return
	}
	u.denied = append(u.denied, v)
}

// Query reports the state of value without prompting.
func (u *Unary) Query(value string) State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.query(u.scope.normalize(value))
}

func (u *Unary) query(v string) State {
	if u.globalDeny {
		return Denied
	}
	for _, d := range u.denied {
		if u.scope.includes(d, v) {
			return Denied
		}
	}
	if u.promptDenied[v] {
		return Denied
	}
	if u.globalGrant {
		return Granted
	}
	if v == "" {
		return Prompt
	}
	for _, g := range u.granted {
		if u.scope.includes(g, v) {
			return Granted
		}
	}
	return Prompt
}

// Request resolves value, arbitrating through the broker or prompter when
// the current state is Prompt. The outcome of an arbitration is recorded.
// The domain stays readable while an arbitration is in progress.
func (u *Unary) Request(ctx context.Context, value, api string) State {
	v := u.scope.normalize(value)
	if s := u.Query(v); s != Prompt {
		return s
	}

	u.arbMu.Lock()
	defer u.arbMu.Unlock()
	// an earlier arbitration may have settled it
	if s := u.Query(v); s != Prompt {
		return s
	}

	answer, ok := u.arb.decide(ctx, u.name, v, api)
	if !ok {
		return Denied
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	switch answer {
	case AllowAll:
		u.globalGrant = true
		return Granted
	case Allow:
		if v == "" {
			u.globalGrant = true
		} else if !slices.Contains(u.granted, v) {
			u.granted = append(u.granted, v)
		}
		return Granted
	default:
		u.promptDenied[v] = true
		return Denied
	}
}

// Revoke withdraws value, every narrower grant and every broader grant
// covering it, then returns the new state of value. A domain-wide grant is
// always withdrawn, so the revoked scope is never left granted.
func (u *Unary) Revoke(value string) State {
	u.mu.Lock()
	defer u.mu.Unlock()

	v := u.scope.normalize(value)
	u.globalGrant = false
	if v == "" {
		u.granted = nil
	} else {
		u.granted = slices.DeleteFunc(u.granted, func(g string) bool {
			return u.scope.includes(v, g) || u.scope.includes(g, v)
		})
	}
	return u.query(v)
}

// Check requests value and returns a PermissionDenied error unless it is
// granted. api names the caller in the error message.
func (u *Unary) Check(ctx context.Context, value, api string) error {
	if u.Request(ctx, value, api) == Granted {
		return nil
	}
	var detail string
	if value == "" {
		detail = fmt.Sprintf("requires %s access", u.name)
	} else {
		detail = fmt.Sprintf("requires %s access to %q", u.name, value)
	}
	if api != "" {
		detail += " for " + api
	}
	detail += fmt.Sprintf(", run again with the --allow-%s flag", u.name)
	return errors.PermissionDenied(detail)
}

// Container holds the permissions of one engine context.
type Container struct {
	domains map[Name]*Unary
	arb     *arbiter
}

// Option wires arbitration into a Container.
type Option func(*arbiter)

// WithBroker routes arbitration through the permission broker.
func WithBroker(b Broker) Option {
	return func(a *arbiter) { a.broker = b }
}

// WithPrompter enables interactive prompting.
func WithPrompter(p Prompter) Option {
	return func(a *arbiter) { a.prompter = p }
}

// WithLogger sets the logger for arbitration outcomes.
func WithLogger(l *zap.Logger) Option {
	return func(a *arbiter) { a.logger = l }
}

// NewContainer builds a container from opts.
func NewContainer(opts Options, arbOpts ...Option) (*Container, error) {
	arb := &arbiter{logger: zap.NewNop()}
	for _, o := range arbOpts {
		o(arb)
	}

	c := &Container{domains: make(map[Name]*Unary, len(Names)), arb: arb}
	for _, n := range Names {
		c.domains[n] = newUnary(n, opts.Cwd, arb)
	}

	for n, values := range opts.Allow {
		u, err := c.Domain(n)
		if err != nil {
			return nil, err
		}
		for _, v := range values {
			u.grant(v)
		}
	}
	for n, values := range opts.Deny {
		u, err := c.Domain(n)
		if err != nil {
			return nil, err
		}
		for _, v := range values {
			u.deny(v)
		}
	}
	if opts.AllowAll {
		for _, u := range c.domains {
			u.globalGrant = true
		}
	}
	return c, nil
}

// NewAllowAll returns a container granting everything except explicit denials.
func NewAllowAll() *Container {
	c, _ := NewContainer(Options{AllowAll: true})
	return c
}

// Domain returns the Unary for n.
func (c *Container) Domain(n Name) (*Unary, error) {
	u, ok := c.domains[n]
	if !ok {
		return nil, errors.NotFound(errors.PhasePermit, "permission", string(n))
	}
	return u, nil
}

// Query reports the state of n/value.
func (c *Container) Query(n Name, value string) (State, error) {
	u, err := c.Domain(n)
	if err != nil {
		return Denied, err
	}
	return u.Query(value), nil
}

// Request resolves n/value, prompting if needed.
func (c *Container) Request(ctx context.Context, n Name, value string) (State, error) {
	u, err := c.Domain(n)
	if err != nil {
		return Denied, err
	}
	return u.Request(ctx, value, ""), nil
}

// Revoke withdraws n/value.
func (c *Container) Revoke(n Name, value string) (State, error) {
	u, err := c.Domain(n)
	if err != nil {
		return Denied, err
	}
	return u.Revoke(value), nil
}

// Check is the op-body entry point: nil if granted, PermissionDenied
// otherwise.
func (c *Container) Check(ctx context.Context, n Name, value, api string) error {
	u, err := c.Domain(n)
	if err != nil {
		return err
	}
	return u.Check(ctx, value, api)
}

// Broker is the client side of the permission broker.
type Broker interface {
	Request(permission, value string) (broker.Decision, error)
}

var _ Broker = (*broker.Client)(nil)

// Answer is a prompter's response.
type Answer uint8

const (
	Deny Answer = iota
	Allow
	AllowAll
)

// PromptRequest describes what is being asked for.
type PromptRequest struct {
	Name  Name
	Value string
	API   string
}

// Message renders the question shown to the user.
func (r PromptRequest) Message() string {
	msg := fmt.Sprintf("%s access", r.Name)
	if r.Value != "" {
		msg += fmt.Sprintf(" to %q", r.Value)
	}
	if r.API != "" {
		msg += " (" + r.API + ")"
	}
	return msg
}

// Prompter asks a human.
type Prompter interface {
	Prompt(ctx context.Context, req PromptRequest) (Answer, error)
}

// PrompterFunc adapts a function to the Prompter interface.
type PrompterFunc func(ctx context.Context, req PromptRequest) (Answer, error)

func (f PrompterFunc) Prompt(ctx context.Context, req PromptRequest) (Answer, error) {
	return f(ctx, req)
}

type arbiter struct {
	broker   Broker
	prompter Prompter
	logger   *zap.Logger
	// prompts from concurrent ops must not overlap on the terminal
	promptMu sync.Mutex
}

// decide returns false when nobody can arbitrate.
func (a *arbiter) decide(ctx context.Context, n Name, value, api string) (Answer, bool) {
	if a.broker != nil {
		d, err := a.broker.Request(string(n), value)
		if err != nil {
			// the client has already run the fatal path
			return Deny, true
		}
		a.logger.Debug("broker decision",
			zap.String("permission", string(n)),
			zap.String("value", value),
			zap.Bool("allow", d.Allow),
			zap.String("reason", d.Reason))
		if d.Allow {
			return Allow, true
		}
		return Deny, true
	}

	if a.prompter != nil {
		a.promptMu.Lock()
		defer a.promptMu.Unlock()
		ans, err := a.prompter.Prompt(ctx, PromptRequest{Name: n, Value: value, API: api})
		if err != nil {
			a.logger.Warn("permission prompt failed", zap.String("permission", string(n)), zap.Error(err))
			return Deny, false
		}
		return ans, true
	}
	return Deny, false
}
