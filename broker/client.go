package broker

import (
	"bufio"
	"encoding/json"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/opbridge/errors"
)

// Client talks to one broker connection. Requests are serialized so that a
// request line and its response line are never interleaved.
type Client struct {
	w      io.Writer
	r      *bufio.Reader
	closer io.Closer
	logger *zap.Logger
	now    func() time.Time
	exit   func(code int)
	failed error
	next   uint64
	pid    int
	mu     sync.Mutex
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used for the fatal diagnostic.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithExit replaces os.Exit. Tests use it to observe the fatal path.
func WithExit(fn func(code int)) Option {
	return func(c *Client) { c.exit = fn }
}

// WithClock overrides the request timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithPID overrides the reported process id.
func WithPID(pid int) Option {
	return func(c *Client) { c.pid = pid }
}

// NewClient wraps an established connection.
func NewClient(rw io.ReadWriter, opts ...Option) *Client {
	c := &Client{
		w:      rw,
		r:      bufio.NewReader(rw),
		logger: zap.NewNop(),
		now:    time.Now,
		exit:   os.Exit,
		pid:    os.Getpid(),
	}
	if cl, ok := rw.(io.Closer); ok {
		c.closer = cl
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial connects to the broker listening on the unix socket at path.
func Dial(path string, opts ...Option) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, errors.BrokerProtocol("connect to permission broker at "+path, err)
	}
	return NewClient(conn, opts...), nil
}

// Request asks the broker about permission (and the optional value; "" is
// sent as absent). It blocks until the matching response arrives. A
// protocol failure terminates the process; if the exit hook returns, the
// error is returned and the client stays failed.
func (c *Client) Request(permission, value string) (Decision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failed != nil {
		return Decision{}, c.fatal(c.failed)
	}

	c.next++
	req := Request{
		V:          ProtocolVersion,
		PID:        c.pid,
		ID:         c.next,
		Datetime:   timestamp(c.now()),
		Permission: permission,
	}
	if value != "" {
		req.Value = &value
	}

	line, err := json.Marshal(req)
	if err != nil {
		return Decision{}, c.fatal(errors.BrokerProtocol("encode request", err))
	}
	line = append(line, '\n')
	if _, err := c.w.Write(line); err != nil {
		return Decision{}, c.fatal(errors.BrokerProtocol("write request", err))
	}

	raw, err := c.r.ReadBytes('\n')
	if err != nil {
		return Decision{}, c.fatal(errors.BrokerProtocol("read response", err))
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Decision{}, c.fatal(errors.BrokerProtocol("malformed response line", err))
	}
	if resp.ID != req.ID {
		return Decision{}, c.fatal(errors.New(errors.PhaseBroker, errors.KindBrokerProtocol).
			Detail("response id %d does not match request id %d", resp.ID, req.ID).Build())
	}

	switch resp.Result {
	case ResultAllow:
		return Decision{Allow: true, Reason: resp.Reason}, nil
	case ResultDeny:
		return Decision{Allow: false, Reason: resp.Reason}, nil
	default:
		return Decision{}, c.fatal(errors.New(errors.PhaseBroker, errors.KindBrokerProtocol).
			Detail("unknown result %q", resp.Result).Build())
	}
}

// Close closes the underlying connection if it has one.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

func (c *Client) fatal(err error) error {
	c.failed = err
	c.logger.Error("permission broker failure, terminating",
		zap.Error(err),
		zap.Int("exit_code", ExitCode))
	c.exit(ExitCode)
	return err
}
