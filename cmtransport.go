package certify

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/RobertWHurst/certify/agreement"
	"github.com/RobertWHurst/certify/ledger"
	"github.com/RobertWHurst/certify/relay"
	"github.com/RobertWHurst/certify/subject"
	"github.com/nats-io/nuid"
	"github.com/rs/zerolog"
)

// TransportOnComplete is called once an asynchronous transport destroy has
// finished, including the final ledger flush.
type TransportOnComplete func(t *CMTransport, closure any)

// ReviewCallback receives one ledger entry per call from ReviewLedger.
// Returning true stops the review.
type ReviewCallback func(subject string, entry *ReviewEntry, closure any) bool

// ReviewEntry describes one retained ledger entry.
type ReviewEntry struct {
	Sender    string
	Sequence  uint64
	State     ledger.State
	Listeners map[string]ledger.State
	SentAt    time.Time
	// TimeLimit is in seconds; 0 means the entry never expires.
	TimeLimit float64
	// Message is the message as it was sent.
	Message *Message
}

var names = struct {
	sync.Mutex
	taken map[string]struct{}
}{taken: make(map[string]struct{})}

func claimName(name string) bool {
	names.Lock()
	defer names.Unlock()
	if _, ok := names.taken[name]; ok {
		return false
	}
	names.taken[name] = struct{}{}
	return true
}

func releaseName(name string) {
	names.Lock()
	defer names.Unlock()
	delete(names.taken, name)
}

type deliveryKey struct {
	sender  string
	subject string
	seq     uint64
}

// delivery is an inbound certified message handed to one or more
// listeners. It is confirmed to the sender once none are still waiting and
// at least one of them confirmed it.
type delivery struct {
	key       deliveryKey
	waiting   map[*Listener]struct{}
	confirmed int
	dropped   bool
}

// CMTransport layers certified delivery over a Transport. It sequences and
// ledgers what it sends, tracks what it receives from other certified
// transports, and exchanges registrations and confirmations with them on
// control subjects under _CM.<name>.
type CMTransport struct {
	transport       Transport
	name            string
	requestOld      bool
	ledgerFile      string
	syncLedger      bool
	relayAgent      string
	encoder         Encoder
	logger          zerolog.Logger
	metrics         *Metrics
	completionQueue *Queue

	mu                sync.Mutex
	state             lifecycle
	defaultTimeLimit  float64
	inactivityDiscard int
	ledger            *ledger.Store
	tracker           *agreement.Tracker
	listeners         []*Listener
	disallowed        map[string]struct{}
	uncertified       map[agreement.Key]struct{}
	deliveries        map[deliveryKey]*delivery
	requests          map[string]chan *Message
	control           Subscription
	link              *relay.Link

	sweepInterval time.Duration
	stop          chan struct{}
	sweeperDone   chan struct{}
	completions   completions
}

// New creates a certified transport over transport. A ledger file given
// with WithLedgerFile is loaded, so sequence numbering and agreements resume
// where a previous transport with the same file left off.
func New(transport Transport, opts ...Option) (*CMTransport, error) {
	if transport == nil {
		return nil, ErrInvalidTransport
	}
	s := defaultSettings()
	for _, opt := range opts {
		if err := opt(&s); err != nil {
			return nil, err
		}
	}
	if s.name == "" {
		s.name = nuid.Next()
	}
	if !claimName(s.name) {
		return nil, fmt.Errorf("%w: name %q is already in use", ErrInvalidArg, s.name)
	}

	logger := s.logger.With().Str("transport", s.name).Logger()

	store := ledger.New(ledger.WithLogger(logger))
	if s.ledgerFile != "" {
		var err error
		store, err = ledger.Open(s.ledgerFile, s.syncLedger, ledger.WithLogger(logger))
		if err != nil {
			releaseName(s.name)
			return nil, fmt.Errorf("certify: open ledger: %w", err)
		}
	}

	t := &CMTransport{
		transport:         transport,
		name:              s.name,
		requestOld:        s.requestOld,
		ledgerFile:        s.ledgerFile,
		syncLedger:        s.syncLedger,
		relayAgent:        s.relayAgent,
		encoder:           s.encoder,
		logger:            logger,
		metrics:           s.metrics,
		completionQueue:   s.completionQueue,
		defaultTimeLimit:  s.defaultTimeLimit,
		inactivityDiscard: s.inactivityDiscard,
		ledger:            store,
		tracker:           agreement.NewTracker(),
		disallowed:        make(map[string]struct{}),
		uncertified:       make(map[agreement.Key]struct{}),
		deliveries:        make(map[deliveryKey]*delivery),
		requests:          make(map[string]chan *Message),
		sweepInterval:     s.sweepInterval,
		stop:              make(chan struct{}),
		sweeperDone:       make(chan struct{}),
	}
	t.tracker.Import(fromLedgerWatermarks(store.Watermarks()), time.Now())

	if s.relayAgent != "" {
		link, err := relay.NewLink(s.relayAgent, s.name, transport)
		if err != nil {
			releaseName(s.name)
			return nil, fmt.Errorf("%w: %v", ErrInvalidArg, err)
		}
		link.Handle(t.onRelayDelivery)
		t.link = link
	}

	control, err := transport.Handle(subject.Join(controlPrefix, s.name, ">"), t.onControl)
	if err != nil {
		releaseName(s.name)
		return nil, fmt.Errorf("certify: subscribe control subject: %w", err)
	}
	t.control = control
	t.metrics.setLedgerSize(t.name, store.Len())

	go t.sweep()

	t.logger.Info().
		Bool("requestOld", t.requestOld).
		Str("ledgerFile", t.ledgerFile).
		Bool("syncLedger", t.syncLedger).
		Str("relayAgent", t.relayAgent).
		Int("ledgerEntries", store.Len()).
		Msg("certified transport created")
	return t, nil
}

// acquire locks the transport if it is active. On error the lock is not
// held.
func (t *CMTransport) acquire() error {
	if t == nil {
		return ErrInvalidTransport
	}
	t.mu.Lock()
	if t.state != active {
		t.mu.Unlock()
		return ErrInvalidTransport
	}
	return nil
}

func (t *CMTransport) check() error {
	if err := t.acquire(); err != nil {
		return err
	}
	t.mu.Unlock()
	return nil
}

// Send sends msg as a certified message. It is assigned the next sequence
// number on its subject and recorded in the ledger as pending until every
// listener known for the subject confirms it.
func (t *CMTransport) Send(msg *Message) error {
	if err := t.check(); err != nil {
		return err
	}
	if msg == nil || !subject.Valid(msg.subject) {
		return ErrInvalidMsg
	}
	return t.send(msg)
}

func (t *CMTransport) send(msg *Message) error {
	data, contentType, err := msg.payload(t.encoder)
	if err != nil {
		return err
	}

	if err := t.acquire(); err != nil {
		return err
	}
	defer t.mu.Unlock()

	timeLimit := t.defaultTimeLimit
	if msg.hasTimeLimit {
		timeLimit = msg.timeLimit
	} else if timeLimit == 0 && isReplySubject(msg.subject) {
		timeLimit = ReplyTimeLimit
	}
	now := time.Now()
	seq := t.ledger.NextSequence(msg.subject)

	buf, err := encodeFrame(&dataFrame{
		Version:      frameVersion,
		Sender:       t.name,
		Sequence:     seq,
		TimeLimit:    timeLimit,
		SentAt:       now.UnixNano(),
		Subject:      msg.subject,
		ReplySubject: msg.replySubject,
		ContentType:  contentType,
		Data:         data,
	})
	if err != nil {
		return err
	}

	if err := t.ledger.Append(ledger.Entry{
		Subject:   msg.subject,
		Sender:    t.name,
		Sequence:  seq,
		SentAt:    now,
		TimeLimit: seconds(timeLimit),
		Data:      buf,
	}); err != nil {
		return fmt.Errorf("certify: record %s: %w", msg.subject, err)
	}
	t.metrics.recordSent(t.name)

	msg.data = data
	msg.contentType = contentType
	msg.encoder = t.encoder
	msg.cm = &cmMeta{sender: t.name, sequence: seq, timeLimit: timeLimit, certified: true}

	if err := t.transport.Send(msg.subject, msg.replySubject, bytes.NewReader(buf)); err != nil {
		t.logger.Warn().Err(err).Str("subject", msg.subject).Uint64("seq", seq).
			Msg("publish failed; message stays in the ledger")
		if commitErr := t.commit(); commitErr != nil {
			return commitErr
		}
		return fmt.Errorf("certify: publish %s: %w", msg.subject, err)
	}
	return t.commit()
}

// publish sends a control frame. Failures are logged; the protocol recovers
// through retransmission.
func (t *CMTransport) publish(subj string, frame any) {
	buf, err := encodeFrame(frame)
	if err != nil {
		t.logger.Error().Err(err).Str("subject", subj).Msg("encode control frame")
		return
	}
	if err := t.transport.Send(subj, "", bytes.NewReader(buf)); err != nil {
		t.logger.Warn().Err(err).Str("subject", subj).Msg("publish control frame")
	}
}

func (t *CMTransport) commit() error {
	t.metrics.setLedgerSize(t.name, t.ledger.Len())
	if err := t.ledger.Commit(); err != nil {
		t.logger.Error().Err(err).Str("ledgerFile", t.ledgerFile).Msg("ledger write failed")
		return fmt.Errorf("certify: write ledger: %w", err)
	}
	return nil
}

// persistAgreements writes the receive-side watermarks through to the
// ledger file in sync mode.
func (t *CMTransport) persistAgreements() {
	if !t.syncLedger || t.ledgerFile == "" {
		return
	}
	t.ledger.SetWatermarks(toLedgerWatermarks(t.tracker.Export()))
	t.commit()
}

// AddListener makes every message sent on subj from now on owed to the
// named listener, whether or not it has registered yet. Adding a listener
// twice has no further effect.
func (t *CMTransport) AddListener(name, subj string) error {
	if err := t.acquire(); err != nil {
		return err
	}
	defer t.mu.Unlock()
	if !subject.ValidToken(name) || !subject.Valid(subj) {
		return ErrInvalidArg
	}
	if _, ok := t.disallowed[name]; ok {
		return fmt.Errorf("%w: listener %q is disallowed", ErrInvalidArg, name)
	}
	if t.ledger.AddListener(subj, name, t.ledger.NextSequence(subj)) {
		t.logger.Debug().Str("listener", name).Str("subject", subj).Msg("listener added")
	}
	return t.commit()
}

// RemoveListener stops tracking the named listener on subj. Removing an
// unknown listener succeeds.
func (t *CMTransport) RemoveListener(name, subj string) error {
	if err := t.acquire(); err != nil {
		return err
	}
	defer t.mu.Unlock()
	if !subject.ValidToken(name) || !subject.Valid(subj) {
		return ErrInvalidArg
	}
	if t.ledger.RemoveListener(subj, name) {
		t.logger.Debug().Str("listener", name).Str("subject", subj).Msg("listener removed")
	}
	return t.commit()
}

// RemoveSendState stops tracking the named listener on every subject.
func (t *CMTransport) RemoveSendState(name string) error {
	if err := t.acquire(); err != nil {
		return err
	}
	defer t.mu.Unlock()
	if !subject.ValidToken(name) {
		return ErrInvalidArg
	}
	if subjects := t.ledger.RemoveListenerEverywhere(name); len(subjects) > 0 {
		t.logger.Debug().Str("listener", name).Strs("subjects", subjects).Msg("send state removed")
	}
	return t.commit()
}

// AllowListener lets a previously disallowed listener register again.
func (t *CMTransport) AllowListener(name string) error {
	if err := t.acquire(); err != nil {
		return err
	}
	defer t.mu.Unlock()
	if !subject.ValidToken(name) {
		return ErrInvalidArg
	}
	delete(t.disallowed, name)
	return nil
}

// DisallowListener refuses registrations from the named listener and drops
// what the ledger tracks for it.
func (t *CMTransport) DisallowListener(name string) error {
	if err := t.acquire(); err != nil {
		return err
	}
	defer t.mu.Unlock()
	if !subject.ValidToken(name) {
		return ErrInvalidArg
	}
	t.disallowed[name] = struct{}{}
	subjects := t.ledger.RemoveListenerEverywhere(name)
	t.logger.Info().Str("listener", name).Strs("subjects", subjects).Msg("listener disallowed")
	return t.commit()
}

// SyncLedger writes the ledger file. Without a ledger file it does nothing.
func (t *CMTransport) SyncLedger() error {
	if err := t.acquire(); err != nil {
		return err
	}
	defer t.mu.Unlock()
	if t.ledgerFile == "" {
		return nil
	}
	t.ledger.SetWatermarks(toLedgerWatermarks(t.tracker.Export()))
	if err := t.ledger.Sync(); err != nil {
		return fmt.Errorf("certify: sync ledger: %w", err)
	}
	return nil
}

// ReviewLedger calls callback for every retained ledger entry whose subject
// matches pattern, in subject and then sequence order, until it returns
// true. The callback runs on the calling goroutine without the transport
// locked, so it may call back into the transport.
func (t *CMTransport) ReviewLedger(callback ReviewCallback, pattern string, closure any) error {
	if err := t.acquire(); err != nil {
		return err
	}
	if callback == nil {
		t.mu.Unlock()
		return ErrInvalidCallback
	}
	if !subject.ValidPattern(pattern) {
		t.mu.Unlock()
		return ErrInvalidArg
	}
	var entries []ledger.Entry
	t.ledger.Review(pattern, func(e ledger.Entry) bool {
		entries = append(entries, e)
		return false
	})
	t.mu.Unlock()

	for _, e := range entries {
		if callback(e.Subject, t.reviewEntry(e), closure) {
			break
		}
	}
	return nil
}

func (t *CMTransport) reviewEntry(e ledger.Entry) *ReviewEntry {
	entry := &ReviewEntry{
		Sender:    e.Sender,
		Sequence:  e.Sequence,
		State:     e.State,
		Listeners: e.Listeners,
		SentAt:    e.SentAt,
		TimeLimit: e.TimeLimit.Seconds(),
	}
	if frame, ok := decodeData(e.Data); ok {
		entry.Message = t.inbound(frame)
	}
	return entry
}

// ExpireMessages removes every ledger entry on subj with a sequence at or
// below seq. Listeners that have not confirmed them can no longer have them
// retransmitted.
func (t *CMTransport) ExpireMessages(subj string, seq uint64) error {
	if err := t.acquire(); err != nil {
		return err
	}
	defer t.mu.Unlock()
	if !subject.Valid(subj) {
		return ErrInvalidArg
	}
	removed := t.ledger.Expire(subj, seq)
	if len(removed) > 0 {
		t.metrics.recordExpired(t.name, len(removed))
		t.logger.Debug().Str("subject", subj).Uint64("through", seq).Int("removed", len(removed)).
			Msg("ledger entries expired")
	}
	return t.commit()
}

// ConnectToRelayAgent connects to the configured relay agent and registers
// interest in every listener subject, after which the agent holds messages
// for this transport while it is disconnected.
func (t *CMTransport) ConnectToRelayAgent(ctx context.Context) error {
	if err := t.acquire(); err != nil {
		return err
	}
	link := t.link
	patterns := t.patterns()
	t.mu.Unlock()
	if link == nil {
		return fmt.Errorf("%w: no relay agent configured", ErrInvalidArg)
	}

	if err := link.Connect(ctx); err != nil {
		return fmt.Errorf("certify: connect to relay agent %s: %w", link.Agent(), err)
	}
	for _, pattern := range patterns {
		if err := link.Interest(ctx, pattern); err != nil {
			return fmt.Errorf("certify: relay interest %s: %w", pattern, err)
		}
	}
	t.logger.Info().Str("relayAgent", link.Agent()).Strs("subjects", patterns).Msg("connected to relay agent")
	return nil
}

// DisconnectFromRelayAgent tells the relay agent to start holding messages
// for this transport.
func (t *CMTransport) DisconnectFromRelayAgent(ctx context.Context) error {
	if err := t.acquire(); err != nil {
		return err
	}
	link := t.link
	t.mu.Unlock()
	if link == nil {
		return fmt.Errorf("%w: no relay agent configured", ErrInvalidArg)
	}
	if err := link.Disconnect(ctx); err != nil {
		return fmt.Errorf("certify: disconnect from relay agent %s: %w", link.Agent(), err)
	}
	t.logger.Info().Str("relayAgent", link.Agent()).Msg("disconnected from relay agent")
	return nil
}

func (t *CMTransport) patterns() []string {
	var out []string
	for _, l := range t.listeners {
		if !slices.Contains(out, l.subject) {
			out = append(out, l.subject)
		}
	}
	return out
}

// SetDefaultTimeLimit sets the time limit, in seconds, for messages that do
// not carry their own. 0 means no expiry.
func (t *CMTransport) SetDefaultTimeLimit(seconds float64) error {
	if err := t.acquire(); err != nil {
		return err
	}
	defer t.mu.Unlock()
	if !validTimeLimit(seconds) {
		return ErrInvalidArg
	}
	t.defaultTimeLimit = seconds
	return nil
}

func (t *CMTransport) DefaultTimeLimit() (float64, error) {
	if err := t.acquire(); err != nil {
		return 0, err
	}
	defer t.mu.Unlock()
	return t.defaultTimeLimit, nil
}

// SetPublisherInactivityDiscardInterval sets how many seconds a sender may
// stay silent before its receive-side state is discarded. 0 keeps it
// forever.
func (t *CMTransport) SetPublisherInactivityDiscardInterval(seconds int) error {
	if err := t.acquire(); err != nil {
		return err
	}
	defer t.mu.Unlock()
	if seconds < 0 {
		return ErrInvalidArg
	}
	t.inactivityDiscard = seconds
	return nil
}

func (t *CMTransport) Transport() (Transport, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	return t.transport, nil
}

func (t *CMTransport) Name() (string, error) {
	if err := t.check(); err != nil {
		return "", err
	}
	return t.name, nil
}

func (t *CMTransport) RelayAgent() (string, error) {
	if err := t.check(); err != nil {
		return "", err
	}
	return t.relayAgent, nil
}

func (t *CMTransport) LedgerFile() (string, error) {
	if err := t.check(); err != nil {
		return "", err
	}
	return t.ledgerFile, nil
}

func (t *CMTransport) SyncLedgerEnabled() (bool, error) {
	if err := t.check(); err != nil {
		return false, err
	}
	return t.syncLedger, nil
}

func (t *CMTransport) RequestOld() (bool, error) {
	if err := t.check(); err != nil {
		return false, err
	}
	return t.requestOld, nil
}

func (t *CMTransport) sweep() {
	defer close(t.sweeperDone)
	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case now := <-ticker.C:
			t.sweepOnce(now)
		}
	}
}

func (t *CMTransport) sweepOnce(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != active {
		return
	}

	if expired := t.ledger.ExpireElapsed(now); len(expired) > 0 {
		t.metrics.recordExpired(t.name, len(expired))
		for _, e := range expired {
			t.logger.Debug().Str("subject", e.Subject).Uint64("seq", e.Sequence).
				Str("state", e.State.String()).Msg("time limit elapsed")
			if isReplySubject(e.Subject) {
				t.ledger.Drop(e.Subject)
			}
		}
	}

	if t.inactivityDiscard > 0 {
		before := now.Add(-time.Duration(t.inactivityDiscard) * time.Second)
		discarded := t.tracker.DiscardInactive(before)
		for _, key := range discarded {
			t.dropDeliveries(key)
			delete(t.uncertified, key)
			t.logger.Debug().Str("sender", key.Sender).Str("subject", key.Subject).
				Msg("inactive publisher discarded")
		}
		if len(discarded) > 0 {
			t.persistAgreements()
		}
	}

	t.commit()
}

// Destroy tears the transport down: listeners stop receiving, the relay
// link is disconnected and the ledger is flushed. The transport cannot be
// used afterwards.
func (t *CMTransport) Destroy() error {
	if err := t.beginDestroy(); err != nil {
		return err
	}
	return t.finishDestroy()
}

// DestroyAsync starts tearing the transport down and returns immediately.
// onComplete, when given, is called exactly once after the ledger has been
// flushed, on the completion queue if one was configured.
func (t *CMTransport) DestroyAsync(onComplete TransportOnComplete, closure any) error {
	if err := t.beginDestroy(); err != nil {
		return err
	}
	var id uint64
	if onComplete != nil {
		id = t.completions.register(func() { onComplete(t, closure) })
	}
	go func() {
		if err := t.finishDestroy(); err != nil {
			t.logger.Error().Err(err).Msg("destroy failed")
		}
		if onComplete == nil {
			return
		}
		if err := t.completionQueue.Dispatch(func() { t.completions.fire(id) }); err != nil {
			t.completions.fire(id)
		}
	}()
	return nil
}

func (t *CMTransport) beginDestroy() error {
	if err := t.acquire(); err != nil {
		return err
	}
	defer t.mu.Unlock()
	t.state = destroying
	return nil
}

func (t *CMTransport) finishDestroy() error {
	close(t.stop)
	<-t.sweeperDone

	t.mu.Lock()
	subs := []Subscription{t.control}
	listeners := t.listeners
	for _, l := range listeners {
		if l.sub != nil {
			subs = append(subs, l.sub)
			l.sub = nil
		}
	}
	t.listeners = nil
	link := t.link
	t.mu.Unlock()

	for _, l := range listeners {
		l.markDestroyed()
	}
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			t.logger.Warn().Err(err).Msg("unsubscribe failed")
		}
	}
	if link != nil && link.Connected() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := link.Disconnect(ctx); err != nil {
			t.logger.Warn().Err(err).Msg("relay disconnect failed")
		}
		cancel()
	}

	t.mu.Lock()
	t.ledger.SetWatermarks(toLedgerWatermarks(t.tracker.Export()))
	err := t.ledger.Close()
	t.state = destroyed
	t.deliveries = make(map[deliveryKey]*delivery)
	t.mu.Unlock()

	releaseName(t.name)
	if err != nil {
		return fmt.Errorf("certify: flush ledger: %w", err)
	}
	t.logger.Info().Msg("certified transport destroyed")
	return nil
}

func toLedgerWatermarks(ws []agreement.Watermark) []ledger.Watermark {
	out := make([]ledger.Watermark, len(ws))
	for i, w := range ws {
		out[i] = ledger.Watermark{Sender: w.Sender, Subject: w.Subject, Sequence: w.Sequence}
	}
	return out
}

func fromLedgerWatermarks(ws []ledger.Watermark) []agreement.Watermark {
	out := make([]agreement.Watermark, len(ws))
	for i, w := range ws {
		out[i] = agreement.Watermark{Sender: w.Sender, Subject: w.Subject, Sequence: w.Sequence}
	}
	return out
}
