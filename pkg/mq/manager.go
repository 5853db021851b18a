// Package mq provides a small RabbitMQ client: a connection manager that owns
// one channel, topology declaration, a publisher and a manual-ack consumer.
package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/rabbitmq-poc/pkg/metrics"
)

// Manager owns a single broker connection and the one channel derived from it.
// Every channel operation is serialized behind the manager's mutex, so the
// channel has exactly one user at a time.
type Manager struct {
	mu      sync.Mutex
	logger  *slog.Logger
	cfg     Config
	conn    Connection
	channel Channel
	watch   *channelWatch
	metrics *metrics.MQMetrics // Optional metrics

	// owned is true when the manager dialed the connection itself.
	owned bool
	// dialed is set after the first dial attempt succeeds; the manager
	// never dials twice.
	dialed bool
	closed bool
}

// NewManager returns a manager that connects lazily, on first use.
func NewManager(cfg Config, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		return nil, errLoggerRequired
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{
		logger: logger,
		cfg:    cfg,
		owned:  true,
	}, nil
}

// Connect creates a manager and establishes the connection immediately.
// It does not retry; a failure is a *ConnectionError.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Manager, error) {
	m, err := NewManager(cfg, logger)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.connectLocked(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Adopt wraps a connection owned by someone else. Close on the returned
// manager closes its channel but leaves the connection open.
func Adopt(conn Connection, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		return nil, errLoggerRequired
	}
	if conn == nil {
		return nil, errors.New("connection cannot be nil")
	}
	return &Manager{
		logger: logger,
		cfg:    Config{OperationTimeout: defaultOperationTimeout},
		conn:   conn,
		dialed: true,
	}, nil
}

// SetMetrics sets the metrics collector for this manager.
func (m *Manager) SetMetrics(mm *metrics.MQMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = mm
	if mm != nil && m.conn != nil && !m.conn.IsClosed() {
		mm.ConnectionStatus.Set(1)
	}
}

// Logger returns the manager's logger.
func (m *Manager) Logger() *slog.Logger {
	return m.logger
}

// Connection returns the held connection, dialing it if this is the first use.
// It is meant for handing the connection to Adopt.
func (m *Manager) Connection(ctx context.Context) (Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.connectLocked(ctx); err != nil {
		return nil, err
	}
	return m.conn, nil
}

// IsOpen reports whether the manager holds an open connection.
func (m *Manager) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed && m.conn != nil && !m.conn.IsClosed()
}

// OpenChannel returns the manager's channel, opening one if none is held or
// the held one was closed. A connection that is no longer open is reported as
// a *ChannelError wrapping the *ConnectionError.
func (m *Manager) OpenChannel(ctx context.Context) (Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, err := m.channelLocked(ctx, "open channel")
	if err != nil && (errors.Is(err, ErrNotConnected) || errors.Is(err, ErrClosed)) {
		return nil, &ChannelError{Op: "open channel", Err: err}
	}
	return ch, err
}

// WithChannel runs fn with exclusive use of the channel. If fn fails with a
// channel-level fault the broken channel is replaced before WithChannel
// returns, and the original fault is returned as a *ChannelError. A lost
// connection is returned as a *ConnectionError.
//
// A fault the broker reported asynchronously since the previous operation,
// such as a publish to a missing exchange, is returned once as a
// *ChannelError before fn runs, and fn is not called.
//
// fn runs on its own goroutine. If it is still blocked when the operation
// timeout expires or ctx is done, the channel is abandoned and closed in the
// background; a timeout is reported as a *ChannelError wrapping
// ErrOperationTimeout.
func (m *Manager) WithChannel(ctx context.Context, op string, fn func(ctx context.Context, ch Channel) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	ch, err := m.channelLocked(ctx, op)
	if err != nil {
		return err
	}
	if m.watch != nil {
		m.watch.op = op
	}

	opCtx := ctx
	if m.cfg.OperationTimeout > 0 {
		var cancel context.CancelFunc
		opCtx, cancel = context.WithTimeout(ctx, m.cfg.OperationTimeout)
		defer cancel()
	}

	result := make(chan opResult, 1)
	go func() {
		var res opResult
		defer func() {
			if r := recover(); r != nil {
				res.panic = r
			}
			result <- res
		}()
		res.err = fn(opCtx, ch)
	}()

	var res opResult
	select {
	case res = <-result:
	case <-opCtx.Done():
		select {
		case res = <-result:
		default:
			return m.abandonLocked(ctx, op, ch)
		}
	}
	if res.panic != nil {
		panic(res.panic)
	}
	if res.err == nil {
		return nil
	}
	return m.recoverLocked(ctx, op, ch, res.err)
}

type opResult struct {
	err   error
	panic any
}

// channelWatch follows one channel's close notification. fault is written
// before done is closed, so it can be read once done is closed.
type channelWatch struct {
	done  chan struct{}
	fault *amqp.Error
	op    string // last operation run on the channel
}

// watchChannel registers for ch's close notification and logs a broker
// initiated close as soon as it arrives.
func (m *Manager) watchChannel(ch Channel) *channelWatch {
	w := &channelWatch{done: make(chan struct{})}
	closes := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		defer close(w.done)
		for amqpErr := range closes {
			w.fault = amqpErr
			m.logger.Error("channel closed by broker", "code", amqpErr.Code, "reason", amqpErr.Reason)
		}
	}()
	return w
}

// takeFaultLocked waits for the closed held channel's notification to settle
// and returns the broker error that closed it, if any.
func (m *Manager) takeFaultLocked(ctx context.Context) (*amqp.Error, string) {
	w := m.watch
	m.watch = nil
	if w == nil {
		return nil, ""
	}
	select {
	case <-w.done:
		return w.fault, w.op
	case <-ctx.Done():
		return nil, ""
	}
}

// abandonLocked drops a channel whose operation did not return in time. The
// operation may still be blocked on it, so it is closed in the background.
func (m *Manager) abandonLocked(ctx context.Context, op string, ch Channel) error {
	if m.channel == ch {
		m.channel = nil
		m.watch = nil
	}
	go func() {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			m.logger.Warn("failed to close abandoned channel", "operation", op, "error", err)
		}
	}()

	if err := ctx.Err(); err != nil {
		m.logger.Error("channel operation cancelled", "operation", op, "error", err)
		return err
	}
	m.logger.Error("channel operation timed out", "operation", op, "timeout", m.cfg.OperationTimeout)
	return &ChannelError{Op: op, Err: fmt.Errorf("%w after %s", ErrOperationTimeout, m.cfg.OperationTimeout)}
}

// serialize runs fn under the manager's lock without touching the held channel.
// Acknowledgments use it because they must go to the channel a delivery
// arrived on, which may no longer be the held one.
func (m *Manager) serialize(fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn()
}

// Close closes the channel, then the connection if the manager dialed it.
// It is safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	var errs []error
	if m.channel != nil && !m.channel.IsClosed() {
		if err := m.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			m.logger.Error("error closing channel", "error", err)
			errs = append(errs, err)
		} else {
			m.logger.Info("closed channel")
		}
	}
	m.channel = nil
	m.watch = nil

	if m.owned && m.conn != nil && !m.conn.IsClosed() {
		if err := m.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			m.logger.Error("error closing connection", "error", err)
			errs = append(errs, err)
		} else {
			m.logger.Info("closed connection")
		}
		if m.metrics != nil {
			m.metrics.ConnectionStatus.Set(0)
		}
	}

	return errors.Join(errs...)
}

// connectLocked dials the broker on first use.
func (m *Manager) connectLocked(ctx context.Context) error {
	if m.closed {
		return &ConnectionError{Op: "connect", Err: ErrClosed}
	}
	if m.conn != nil {
		if m.conn.IsClosed() {
			return &ConnectionError{Op: "connect", Addr: m.addr(), Err: ErrNotConnected}
		}
		return nil
	}
	if m.dialed {
		return &ConnectionError{Op: "connect", Addr: m.addr(), Err: ErrNotConnected}
	}

	dial := m.cfg.Dialer
	if dial == nil {
		dial = DialAMQP
	}

	m.logger.Info("attempting to connect", "addr", m.addr(), "vhost", m.cfg.Vhost)
	conn, err := dial(ctx, m.cfg)
	if err != nil {
		m.logger.Error("failed to connect", "addr", m.addr(), "error", err)
		if m.metrics != nil {
			m.metrics.ConnectionStatus.Set(0)
		}
		return &ConnectionError{Op: "connect", Addr: m.addr(), Err: err}
	}

	m.conn = conn
	m.dialed = true
	m.logger.Info("connected", "addr", m.addr())
	if m.metrics != nil {
		m.metrics.ConnectionStatus.Set(1)
	}
	return nil
}

// channelLocked returns an open channel, connecting and opening as needed.
func (m *Manager) channelLocked(ctx context.Context, op string) (Channel, error) {
	if err := m.connectLocked(ctx); err != nil {
		return nil, err
	}
	if m.channel != nil {
		if !m.channel.IsClosed() {
			return m.channel, nil
		}
		m.channel = nil
		if fault, faultOp := m.takeFaultLocked(ctx); fault != nil {
			return nil, m.reportFaultLocked(op, faultOp, fault)
		}
	}
	return m.openLocked(op)
}

// openLocked opens a fresh channel and starts watching it.
func (m *Manager) openLocked(op string) (Channel, error) {
	ch, err := m.conn.Channel()
	if err != nil {
		m.logger.Error("failed to open channel", "operation", op, "error", err)
		if m.conn.IsClosed() {
			return nil, &ConnectionError{Op: op, Addr: m.addr(), Err: err}
		}
		return nil, &ChannelError{Op: op, Err: err}
	}

	m.channel = ch
	m.watch = m.watchChannel(ch)
	m.logger.Debug("opened channel", "operation", op)
	return ch, nil
}

// reportFaultLocked replaces a channel the broker closed between operations
// and returns the broker's error, attributed to the operation that caused it.
func (m *Manager) reportFaultLocked(op, faultOp string, fault *amqp.Error) error {
	if faultOp == "" {
		faultOp = op
	}
	cause := &ChannelError{Op: faultOp, Err: fault}
	m.logger.Error("channel error", "operation", faultOp, "error", fault)

	if _, err := m.openLocked(op); err != nil {
		return errors.Join(cause, err)
	}
	m.logger.Info("channel recovered", "operation", faultOp)
	if m.metrics != nil {
		m.metrics.ChannelRecoveries.WithLabelValues(faultOp).Inc()
	}
	return cause
}

// recoverLocked classifies an operation failure and replaces the channel
// after a channel-level fault.
func (m *Manager) recoverLocked(ctx context.Context, op string, ch Channel, cause error) error {
	if m.conn == nil || m.conn.IsClosed() {
		m.logger.Error("connection lost", "operation", op, "error", cause)
		if m.metrics != nil {
			m.metrics.ConnectionStatus.Set(0)
		}
		return &ConnectionError{Op: op, Addr: m.addr(), Err: cause}
	}

	var amqpErr *amqp.Error
	if !errors.As(cause, &amqpErr) && !errors.Is(cause, amqp.ErrClosed) && !ch.IsClosed() {
		// Not a channel fault, e.g. a cancelled context.
		m.logger.Error("channel operation failed", "operation", op, "error", cause)
		return cause
	}

	if (amqpErr == nil || errors.Is(cause, amqp.ErrClosed)) && ch.IsClosed() {
		// The broker's reason arrives on the close notification.
		if fault, _ := m.takeFaultLocked(ctx); fault != nil {
			cause = fault
		}
	}

	m.logger.Error("channel error", "operation", op, "error", cause)
	if !ch.IsClosed() {
		_ = ch.Close()
	}
	m.channel = nil
	m.watch = nil

	if _, err := m.openLocked(op); err != nil {
		return errors.Join(&ChannelError{Op: op, Err: cause}, err)
	}

	m.logger.Info("channel recovered", "operation", op)
	if m.metrics != nil {
		m.metrics.ChannelRecoveries.WithLabelValues(op).Inc()
	}
	return &ChannelError{Op: op, Err: cause}
}

func (m *Manager) addr() string {
	if m.cfg.Host == "" {
		return ""
	}
	return m.cfg.Addr()
}
