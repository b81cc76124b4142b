package certify

import (
	"fmt"
	"math"
	"time"

	"github.com/RobertWHurst/certify/subject"
	"github.com/rs/zerolog"
)

const (
	// DefaultSweepInterval is how often a transport expires elapsed ledger
	// entries and discards inactive publishers.
	DefaultSweepInterval = time.Second
)

type settings struct {
	name              string
	requestOld        bool
	ledgerFile        string
	syncLedger        bool
	relayAgent        string
	defaultTimeLimit  float64
	inactivityDiscard int
	encoder           Encoder
	logger            zerolog.Logger
	metrics           *Metrics
	sweepInterval     time.Duration
	completionQueue   *Queue
}

func defaultSettings() settings {
	return settings{
		requestOld:    true,
		logger:        zerolog.Nop(),
		sweepInterval: DefaultSweepInterval,
	}
}

// Option configures a CMTransport at creation.
type Option func(*settings) error

// WithName sets the transport's certified name. Without it a unique name
// is generated. Names are single subject tokens and unique per process.
func WithName(name string) Option {
	return func(s *settings) error {
		if !subject.ValidToken(name) {
			return fmt.Errorf("%w: name %q", ErrInvalidArg, name)
		}
		s.name = name
		return nil
	}
}

// WithRequestOld sets whether the transport asks senders to retransmit
// messages it missed. It defaults to true.
func WithRequestOld(requestOld bool) Option {
	return func(s *settings) error {
		s.requestOld = requestOld
		return nil
	}
}

// WithLedgerFile persists the ledger at path.
func WithLedgerFile(path string) Option {
	return func(s *settings) error {
		if path == "" {
			return fmt.Errorf("%w: empty ledger file", ErrInvalidArg)
		}
		s.ledgerFile = path
		return nil
	}
}

// WithSyncLedger writes the ledger file after every change instead of only
// on SyncLedger and Destroy.
func WithSyncLedger(syncLedger bool) Option {
	return func(s *settings) error {
		s.syncLedger = syncLedger
		return nil
	}
}

// WithRelayAgent names the relay agent ConnectToRelayAgent connects to.
func WithRelayAgent(agent string) Option {
	return func(s *settings) error {
		if !subject.ValidToken(agent) {
			return fmt.Errorf("%w: relay agent %q", ErrInvalidArg, agent)
		}
		s.relayAgent = agent
		return nil
	}
}

// WithDefaultTimeLimit sets the time limit, in seconds, of messages that do
// not set their own. 0 means no expiry.
func WithDefaultTimeLimit(seconds float64) Option {
	return func(s *settings) error {
		if !validTimeLimit(seconds) {
			return fmt.Errorf("%w: time limit %v", ErrInvalidArg, seconds)
		}
		s.defaultTimeLimit = seconds
		return nil
	}
}

// WithPublisherInactivityDiscardInterval discards receive state for
// senders that have been silent for the given number of seconds. 0 keeps it
// forever.
func WithPublisherInactivityDiscardInterval(seconds int) Option {
	return func(s *settings) error {
		if seconds < 0 {
			return fmt.Errorf("%w: negative discard interval", ErrInvalidArg)
		}
		s.inactivityDiscard = seconds
		return nil
	}
}

// WithEncoder sets the encoder for struct payloads.
func WithEncoder(encoder Encoder) Option {
	return func(s *settings) error {
		s.encoder = encoder
		return nil
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *settings) error {
		s.logger = logger
		return nil
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(s *settings) error {
		s.metrics = metrics
		return nil
	}
}

func WithSweepInterval(interval time.Duration) Option {
	return func(s *settings) error {
		if interval <= 0 {
			return fmt.Errorf("%w: sweep interval must be positive", ErrInvalidArg)
		}
		s.sweepInterval = interval
		return nil
	}
}

// WithCompletionQueue runs DestroyAsync completions on queue.
func WithCompletionQueue(queue *Queue) Option {
	return func(s *settings) error {
		if !queue.valid() {
			return ErrInvalidQueue
		}
		s.completionQueue = queue
		return nil
	}
}

// maxTimeLimit is the longest time limit, in seconds, a time.Duration can
// hold. Longer limits are accepted and treated as this one.
const maxTimeLimit = float64(math.MaxInt64 / int64(time.Second))

func validTimeLimit(s float64) bool {
	return s >= 0 && !math.IsInf(s, 0) && !math.IsNaN(s)
}

// seconds converts a time limit to a duration, saturating instead of
// overflowing. Limits that are not valid convert to 0.
func seconds(s float64) time.Duration {
	if !validTimeLimit(s) && !math.IsInf(s, 1) {
		return 0
	}
	if s >= maxTimeLimit {
		return math.MaxInt64
	}
	return time.Duration(s * float64(time.Second))
}
