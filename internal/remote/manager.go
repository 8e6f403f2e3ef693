package remote

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Session is an authenticated handle on the remote system.
type Session struct {
	UID             int64
	AuthenticatedAt time.Time

	generation uint64
}

// Transport performs raw calls against the remote system.
// Implementations must return errors wrapping one of the package sentinels.
type Transport interface {
	Authenticate(ctx context.Context) (Session, error)
	Search(ctx context.Context, sess Session, model, field, value string) (id int64, found bool, err error)
	Create(ctx context.Context, sess Session, model string, values map[string]any) (int64, error)
}

// Call is a unit of work executed with a live session.
type Call func(ctx context.Context, sess Session) error

// ManagerConfig controls retry behaviour of a ConnectionManager.
type ManagerConfig struct {
	// MaxRetries bounds retries of connection errors and timeouts per Execute.
	MaxRetries int
	// MaxReauthAttempts bounds how often an authentication failure triggers a
	// fresh login before the error is returned.
	MaxReauthAttempts int
	// Exponential backoff between transient retries.
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultManagerConfig returns the defaults used when a field is zero.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxRetries:          3,
		MaxReauthAttempts:   2,
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.25,
	}
}

// ManagerStats counts calls made through a ConnectionManager.
type ManagerStats struct {
	Calls    int64 `json:"calls"`
	Retries  int64 `json:"retries"`
	Reauths  int64 `json:"reauths"`
	Failures int64 `json:"failures"`
}

// ConnectionManager owns authenticated access to the remote system.
// It logs in lazily, re-authenticates when a session is rejected, and retries
// connection errors and timeouts with exponential backoff. Permission errors,
// and authentication errors once re-auth attempts are exhausted, are returned
// immediately.
type ConnectionManager struct {
	transport Transport
	cfg       ManagerConfig
	logger    *slog.Logger

	mu         sync.Mutex
	session    *Session
	generation uint64

	calls    atomic.Int64
	retries  atomic.Int64
	reauths  atomic.Int64
	failures atomic.Int64
}

// NewConnectionManager creates a manager over transport. Zero config fields
// take their defaults.
func NewConnectionManager(transport Transport, cfg ManagerConfig, logger *slog.Logger) *ConnectionManager {
	def := DefaultManagerConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxReauthAttempts <= 0 {
		cfg.MaxReauthAttempts = def.MaxReauthAttempts
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.RandomizationFactor < 0 || cfg.RandomizationFactor > 1 {
		cfg.RandomizationFactor = def.RandomizationFactor
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &ConnectionManager{
		transport: transport,
		cfg:       cfg,
		logger:    logger,
	}
}

// Execute runs call with a live session.
func (m *ConnectionManager) Execute(ctx context.Context, op string, call Call) error {
	m.calls.Add(1)

	reauths := 0
	for {
		var used Session
		err := m.executeWithRetry(ctx, op, func(ctx context.Context, sess Session) error {
			used = sess
			return call(ctx, sess)
		})
		if err == nil {
			return nil
		}

		if !errors.Is(err, ErrAuthentication) || reauths >= m.cfg.MaxReauthAttempts || ctx.Err() != nil {
			m.failures.Add(1)
			return err
		}

		reauths++
		m.reauths.Add(1)
		m.invalidate(used)
		m.logger.Warn("remote session rejected, re-authenticating",
			"op", op,
			"attempt", reauths,
			"max_attempts", m.cfg.MaxReauthAttempts,
			"error", err,
		)
	}
}

func (m *ConnectionManager) executeWithRetry(ctx context.Context, op string, call Call) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.InitialInterval
	b.MaxInterval = m.cfg.MaxInterval
	b.Multiplier = m.cfg.Multiplier
	b.RandomizationFactor = m.cfg.RandomizationFactor

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		sess, err := m.currentSession(ctx)
		if err == nil {
			err = call(ctx, sess)
		}
		if err != nil && !IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(m.cfg.MaxRetries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			m.retries.Add(1)
			m.logger.Debug("transient remote error, retrying",
				"op", op,
				"attempt", attempt,
				"next_in_ms", next.Milliseconds(),
				"error", err,
			)
		}),
	)

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	return err
}

// currentSession returns the cached session, logging in if there is none.
// Logins are serialized so concurrent callers share one session.
func (m *ConnectionManager) currentSession(ctx context.Context) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil {
		return *m.session, nil
	}

	sess, err := m.transport.Authenticate(ctx)
	if err != nil {
		return Session{}, err
	}
	m.generation++
	sess.generation = m.generation
	if sess.AuthenticatedAt.IsZero() {
		sess.AuthenticatedAt = time.Now()
	}
	m.session = &sess

	m.logger.Info("authenticated with remote", "uid", sess.UID)
	return sess, nil
}

// invalidate drops sess if it is still the cached session. A session that
// another goroutine already replaced is left alone.
func (m *ConnectionManager) invalidate(sess Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil && m.session.generation == sess.generation {
		m.session = nil
	}
}

// Stats returns call counters.
func (m *ConnectionManager) Stats() ManagerStats {
	return ManagerStats{
		Calls:    m.calls.Load(),
		Retries:  m.retries.Load(),
		Reauths:  m.reauths.Load(),
		Failures: m.failures.Load(),
	}
}
