package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/biglist/biglist-go/internal/reliability"
)

// State is the supervisor's view of the broker connection
type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// Listener buffers on a session channel. amqp091-go stops dispatching frames
// while a listener is full, so late confirms from timed-out publishes need
// room until the next publish drains them.
const (
	confirmBuffer = 16
	returnBuffer  = 16
)

// session is a channel together with the confirm and return streams
// registered on it
type session struct {
	ch         Channel
	confirms   <-chan amqp.Confirmation
	returns    <-chan amqp.Return
	generation uint64
}

// Supervisor owns the single broker connection and channel of a client.
// Every topology, publish and consume path goes through EnsureReady, which
// (re)opens whatever is missing under a bounded retry.
type Supervisor struct {
	url              string
	dial             Dialer
	policy           reliability.RetryPolicy
	sleep            reliability.SleepFunc
	recoveryInterval time.Duration
	prefetch         int
	logger           *slog.Logger

	mu         sync.Mutex // guards connection and channel re-creation
	conn       Connection
	current    *session
	generation uint64
	closed     bool
	state      atomic.Int32
	done       chan struct{}

	// opMu serializes every call made on the shared channel
	opMu sync.Mutex

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// SupervisorOption configures the Supervisor
type SupervisorOption func(*Supervisor)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) SupervisorOption {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// WithDialer replaces the amqp091 dialer
func WithDialer(dial Dialer) SupervisorOption {
	return func(s *Supervisor) {
		s.dial = dial
	}
}

// WithRetry sets the connection retry budget: retries attempts after the
// first, waiting base, base*2, base*4, ... between them
func WithRetry(retries int, base time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.policy = reliability.NewBrokerBackoff(base, retries)
	}
}

// WithRetryPolicy sets an arbitrary retry policy
func WithRetryPolicy(policy reliability.RetryPolicy) SupervisorOption {
	return func(s *Supervisor) {
		s.policy = policy
	}
}

// WithSleep replaces the wait used between attempts
func WithSleep(sleep reliability.SleepFunc) SupervisorOption {
	return func(s *Supervisor) {
		s.sleep = sleep
	}
}

// WithRecoveryInterval sets how often the background watcher retries after
// the connection drops. Zero disables background recovery.
func WithRecoveryInterval(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.recoveryInterval = d
	}
}

// WithPrefetch sets the per-consumer prefetch applied to every new channel
func WithPrefetch(count int) SupervisorOption {
	return func(s *Supervisor) {
		s.prefetch = count
	}
}

// NewSupervisor creates a supervisor for url. Nothing is dialled until the
// first EnsureReady.
func NewSupervisor(url string, options ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		url:              url,
		dial:             DialAMQP,
		policy:           reliability.NewBrokerBackoff(2*time.Second, 3),
		sleep:            reliability.Sleep,
		recoveryInterval: 10 * time.Second,
		prefetch:         1,
		logger:           slog.Default(),
		done:             make(chan struct{}),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// EnsureReady returns a live channel, opening the connection and channel if
// either is missing or closed. Failures are retried within the configured
// budget; once it is spent a *ConnectionError is returned.
func (s *Supervisor) EnsureReady(ctx context.Context) (Channel, error) {
	sess, err := s.ensureSession(ctx)
	if err != nil {
		return nil, err
	}
	return sess.ch, nil
}

func (s *Supervisor) ensureSession(ctx context.Context) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, &ConnectionError{
			Op:        "ensure ready",
			URL:       SanitizeURL(s.url),
			Err:       ErrSupervisorClosed,
			Timestamp: time.Now(),
		}
	}

	if s.readyLocked() {
		return s.current, nil
	}

	attempts := 0
	retrier := reliability.Retrier{
		Policy: s.policy,
		Sleep:  s.sleep,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			s.logger.Warn("broker not ready, retrying",
				"attempt", attempt,
				"nextRetryIn", delay,
				"error", err)
			s.notifyReconnecting(attempt)
		},
	}

	err := retrier.Do(ctx, "ensure ready", func() error {
		attempts++
		return s.openLocked()
	})
	if err != nil {
		s.setState(StateDegraded)
		s.logger.Error("broker unreachable", "attempts", attempts, "error", err)

		connErr := &ConnectionError{
			Op:        "ensure ready",
			URL:       SanitizeURL(s.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  attempts,
		}
		s.notifyDisconnected(connErr)
		return nil, connErr
	}

	return s.current, nil
}

func (s *Supervisor) readyLocked() bool {
	return s.conn != nil && !s.conn.IsClosed() &&
		s.current != nil && !s.current.ch.IsClosed()
}

// openLocked opens whichever of connection and channel is missing
func (s *Supervisor) openLocked() error {
	if s.conn == nil || s.conn.IsClosed() {
		s.setState(StateConnecting)
		s.current = nil

		conn, err := s.dial(s.url)
		if err != nil {
			return err
		}
		s.conn = conn

		if s.recoveryInterval > 0 {
			closed := conn.NotifyClose(make(chan *amqp.Error, 1))
			go s.watch(conn, closed)
		}

		s.logger.Info("connected to RabbitMQ", "url", SanitizeURL(s.url))
	}

	if s.current == nil || s.current.ch.IsClosed() {
		ch, err := s.conn.Channel()
		if err != nil {
			return err
		}

		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			return err
		}

		if s.prefetch > 0 {
			if err := ch.Qos(s.prefetch, 0, false); err != nil {
				_ = ch.Close()
				return err
			}
		}

		s.generation++
		s.current = &session{
			ch:         ch,
			confirms:   ch.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer)),
			returns:    ch.NotifyReturn(make(chan amqp.Return, returnBuffer)),
			generation: s.generation,
		}

		s.logger.Debug("channel opened", "generation", s.generation)
		s.notifyConnected()
	}

	s.setState(StateOpen)
	return nil
}

// watch re-runs EnsureReady every recovery interval after conn drops,
// independently of explicit calls
func (s *Supervisor) watch(conn Connection, closed <-chan *amqp.Error) {
	var cause error
	select {
	case amqpErr, ok := <-closed:
		if ok && amqpErr != nil {
			cause = amqpErr
		}
	case <-s.done:
		return
	}

	s.mu.Lock()
	if s.closed || s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.setState(StateDegraded)
	s.mu.Unlock()

	s.logger.Error("connection lost", "error", cause)
	s.notifyDisconnected(cause)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if err := s.sleep(ctx, s.recoveryInterval); err != nil {
			return
		}
		if _, err := s.ensureSession(ctx); err == nil {
			s.logger.Info("connection recovered in background")
			return
		}
	}
}

// withChannel runs fn on the live channel with channel operations
// serialized across publishers and consumers
func (s *Supervisor) withChannel(ctx context.Context, fn func(sess *session) error) error {
	sess, err := s.ensureSession(ctx)
	if err != nil {
		return err
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()
	return fn(sess)
}

// serialize runs fn under the channel operation lock without reconnecting.
// Used for acks, which must go to the channel the delivery came from.
func (s *Supervisor) serialize(fn func() error) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return fn()
}

// live returns the current session without reconnecting
func (s *Supervisor) live() *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.readyLocked() {
		return nil
	}
	return s.current
}

// State returns the current connection state. It does not wait for an
// in-progress retry.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

func (s *Supervisor) setState(state State) {
	s.state.Store(int32(state))
}

// IsConnected reports whether a live connection and channel exist
func (s *Supervisor) IsConnected() bool {
	return s.live() != nil
}

// Generation counts the channels opened so far
func (s *Supervisor) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Close closes the channel and connection and stops background recovery
func (s *Supervisor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	s.setState(StateClosed)

	if s.current != nil {
		_ = s.current.ch.Close()
		s.current = nil
	}

	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}

	return nil
}

// AddStateListener adds a connection state listener
func (s *Supervisor) AddStateListener(listener ConnectionStateListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.stateListeners = append(s.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (s *Supervisor) RemoveStateListener(listener ConnectionStateListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	for i, l := range s.stateListeners {
		if l == listener {
			s.stateListeners = append(s.stateListeners[:i], s.stateListeners[i+1:]...)
			break
		}
	}
}

func (s *Supervisor) notifyConnected() {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()

	for _, listener := range s.stateListeners {
		go listener.OnConnected()
	}
}

func (s *Supervisor) notifyDisconnected(err error) {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()

	for _, listener := range s.stateListeners {
		go listener.OnDisconnected(err)
	}
}

func (s *Supervisor) notifyReconnecting(attempt int) {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()

	for _, listener := range s.stateListeners {
		go listener.OnReconnecting(attempt)
	}
}
