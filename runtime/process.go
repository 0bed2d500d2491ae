package runtime

import (
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/opbridge/bridge"
	"github.com/wippyai/opbridge/broker"
	"github.com/wippyai/opbridge/config"
	"github.com/wippyai/opbridge/errors"
	"github.com/wippyai/opbridge/permissions"
)

// ProcessContext holds what every engine context of the process shares.
type ProcessContext struct {
	cfg      *config.Config
	logger   *zap.Logger
	prompter permissions.Prompter
	exit     func(code int)
	pool     *bridge.Pool

	brokerOnce sync.Once
	broker     permissions.Broker
	brokerErr  error
	injected   bool
}

// ProcessOption configures a ProcessContext.
type ProcessOption func(*ProcessContext)

// WithProcessLogger sets the process logger.
func WithProcessLogger(l *zap.Logger) ProcessOption {
	return func(p *ProcessContext) { p.logger = l }
}

// WithPrompter enables interactive permission prompts.
func WithPrompter(pr permissions.Prompter) ProcessOption {
	return func(p *ProcessContext) { p.prompter = pr }
}

// WithExit replaces os.Exit for fatal broker failures.
func WithExit(fn func(code int)) ProcessOption {
	return func(p *ProcessContext) { p.exit = fn }
}

// WithBroker uses b instead of dialing the configured broker path.
func WithBroker(b permissions.Broker) ProcessOption {
	return func(p *ProcessContext) {
		p.broker = b
		p.injected = true
	}
}

// NewProcessContext creates the process context for cfg.
func NewProcessContext(cfg *config.Config, opts ...ProcessOption) *ProcessContext {
	if cfg == nil {
		cfg = config.Default()
	}
	p := &ProcessContext{
		cfg:    cfg,
		logger: zap.NewNop(),
		exit:   os.Exit,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.pool = bridge.NewPool(cfg.BlockingThreads)
	return p
}

// Config returns the process configuration.
func (p *ProcessContext) Config() *config.Config { return p.cfg }

// Logger returns the process logger.
func (p *ProcessContext) Logger() *zap.Logger { return p.logger }

// Pool returns the blocking pool shared by every context.
func (p *ProcessContext) Pool() *bridge.Pool { return p.pool }

// Prompter returns the configured prompter, or nil.
func (p *ProcessContext) Prompter() permissions.Prompter { return p.prompter }

// HasBroker reports whether permission requests go to a broker.
func (p *ProcessContext) HasBroker() bool {
	return p.injected || p.cfg.BrokerPath != ""
}

// Broker returns the broker connection, dialing it on first use. A failed
// dial is a broker failure and terminates the process.
func (p *ProcessContext) Broker() (permissions.Broker, error) {
	if p.injected {
		return p.broker, nil
	}
	p.brokerOnce.Do(func() {
		if p.cfg.BrokerPath == "" {
			return
		}
		c, err := broker.Dial(p.cfg.BrokerPath,
			broker.WithLogger(p.logger),
			broker.WithExit(p.exit))
		if err != nil {
			p.brokerErr = errors.BrokerProtocol("connect to "+p.cfg.BrokerPath, err)
			p.logger.Error("permission broker failure, terminating", zap.Error(p.brokerErr))
			p.exit(broker.ExitCode)
			return
		}
		p.broker = c
	})
	return p.broker, p.brokerErr
}

// lazyBroker defers dialing until the first permission is arbitrated.
type lazyBroker struct{ pc *ProcessContext }

func (b lazyBroker) Request(permission, value string) (broker.Decision, error) {
	c, err := b.pc.Broker()
	if err != nil {
		return broker.Decision{}, err
	}
	if c == nil {
		return broker.Decision{}, errors.BrokerProtocol("no broker connection", nil)
	}
	return c.Request(permission, value)
}

// Close closes the broker connection if one was dialed.
func (p *ProcessContext) Close() error {
	if p.injected {
		return nil
	}
	if c, ok := p.broker.(*broker.Client); ok {
		return c.Close()
	}
	return nil
}
