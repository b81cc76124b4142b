package relay

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/RobertWHurst/certify/subject"
	"github.com/rs/zerolog"
)

// DefaultMaxBuffered bounds the messages an agent holds per disconnected
// client. The oldest are dropped first.
const DefaultMaxBuffered = 10000

type AgentOption func(*Agent)

func WithAgentLogger(logger zerolog.Logger) AgentOption {
	return func(a *Agent) {
		a.logger = logger
	}
}

// WithMetrics reports forwarding and buffering to m.
func WithMetrics(m *Metrics) AgentOption {
	return func(a *Agent) {
		a.metrics = m
	}
}

func WithMaxBuffered(n int) AgentOption {
	return func(a *Agent) {
		if n > 0 {
			a.maxBuffered = n
		}
	}
}

type client struct {
	connected bool
	buffer    []deliverFrame
	dropped   int
}

type interest struct {
	sub     Subscription
	clients map[string]struct{}
}

// Agent is a relay agent serving any number of clients.
type Agent struct {
	name        string
	transport   Transport
	logger      zerolog.Logger
	metrics     *Metrics
	maxBuffered int

	mu        sync.Mutex
	started   bool
	control   []Subscription
	clients   map[string]*client
	interests map[string]*interest
}

func NewAgent(name string, transport Transport, opts ...AgentOption) (*Agent, error) {
	if !subject.ValidToken(name) {
		return nil, ErrInvalidName
	}
	a := &Agent{
		name:        name,
		transport:   transport,
		logger:      zerolog.Nop(),
		maxBuffered: DefaultMaxBuffered,
		clients:     make(map[string]*client),
		interests:   make(map[string]*interest),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Name returns the agent name clients use to reach it.
func (a *Agent) Name() string {
	return a.name
}

// Start subscribes to the agent's control subjects.
func (a *Agent) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}
	handlers := map[string]func(string, string, io.Reader){
		kindConnect:    a.onConnect,
		kindDisconnect: a.onDisconnect,
		kindInterest:   a.onInterest,
	}
	for kind, handler := range handlers {
		sub, err := a.transport.Handle(controlSubject(a.name, kind), handler)
		if err != nil {
			for _, s := range a.control {
				s.Unsubscribe()
			}
			a.control = nil
			return fmt.Errorf("relay: subscribe %s: %w", kind, err)
		}
		a.control = append(a.control, sub)
	}
	a.started = true
	a.logger.Info().Str("agent", a.name).Msg("relay agent started")
	return nil
}

// Close unsubscribes from everything and discards buffered messages.
func (a *Agent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	for _, s := range a.control {
		errs = append(errs, s.Unsubscribe())
	}
	for _, in := range a.interests {
		errs = append(errs, in.sub.Unsubscribe())
	}
	a.control = nil
	a.interests = make(map[string]*interest)
	a.clients = make(map[string]*client)
	a.started = false
	return errors.Join(errs...)
}

// Buffered returns how many messages are held for clientName.
func (a *Agent) Buffered(clientName string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.clients[clientName]; ok {
		return len(c.buffer)
	}
	return 0
}

func (a *Agent) client(name string) *client {
	c, ok := a.clients[name]
	if !ok {
		c = &client{}
		a.clients[name] = c
	}
	return c
}

func (a *Agent) reply(replySubject string, err error) {
	if replySubject == "" {
		return
	}
	ack := ackFrame{OK: err == nil}
	if err != nil {
		ack.Error = err.Error()
	}
	if sendErr := send(a.transport, replySubject, "", &ack); sendErr != nil {
		a.logger.Warn().Err(sendErr).Str("agent", a.name).Msg("relay ack failed")
	}
}

func (a *Agent) onConnect(_, replySubject string, reader io.Reader) {
	var frame connectFrame
	if err := decode(reader, &frame); err != nil || !subject.ValidToken(frame.Client) {
		a.reply(replySubject, ErrInvalidName)
		return
	}

	a.mu.Lock()
	c := a.client(frame.Client)
	c.connected = true
	backlog := c.buffer
	dropped := c.dropped
	c.buffer = nil
	c.dropped = 0
	a.mu.Unlock()
	a.metrics.setBacklog(a.name, frame.Client, 0)

	a.reply(replySubject, nil)

	a.logger.Debug().Str("agent", a.name).Str("client", frame.Client).
		Int("backlog", len(backlog)).Int("dropped", dropped).Msg("relay client connected")
	for _, d := range backlog {
		a.forward(frame.Client, d)
	}
}

func (a *Agent) onDisconnect(_, replySubject string, reader io.Reader) {
	var frame connectFrame
	if err := decode(reader, &frame); err != nil {
		a.reply(replySubject, err)
		return
	}

	a.mu.Lock()
	if c, ok := a.clients[frame.Client]; ok {
		c.connected = false
	}
	a.mu.Unlock()

	a.reply(replySubject, nil)
	a.logger.Debug().Str("agent", a.name).Str("client", frame.Client).Msg("relay client disconnected")
}

func (a *Agent) onInterest(_, replySubject string, reader io.Reader) {
	var frame interestFrame
	if err := decode(reader, &frame); err != nil {
		a.reply(replySubject, err)
		return
	}
	if !subject.ValidToken(frame.Client) || !subject.ValidPattern(frame.Subject) {
		a.reply(replySubject, fmt.Errorf("invalid interest %q for %q", frame.Subject, frame.Client))
		return
	}

	a.mu.Lock()
	a.client(frame.Client)
	in, ok := a.interests[frame.Subject]
	if !ok {
		pattern := frame.Subject
		sub, err := a.transport.Handle(pattern, func(subj, reply string, r io.Reader) {
			a.onMessage(pattern, subj, reply, r)
		})
		if err != nil {
			a.mu.Unlock()
			a.reply(replySubject, err)
			return
		}
		in = &interest{sub: sub, clients: make(map[string]struct{})}
		a.interests[frame.Subject] = in
	}
	in.clients[frame.Client] = struct{}{}
	a.mu.Unlock()

	a.reply(replySubject, nil)
}

func (a *Agent) onMessage(pattern, subj, replySubject string, reader io.Reader) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return
	}
	d := deliverFrame{Subject: subj, ReplySubject: replySubject, Data: data}

	a.mu.Lock()
	in, ok := a.interests[pattern]
	if !ok {
		a.mu.Unlock()
		return
	}
	var forward []string
	for name := range in.clients {
		c := a.client(name)
		if c.connected {
			forward = append(forward, name)
			continue
		}
		if len(c.buffer) >= a.maxBuffered {
			c.buffer[0] = deliverFrame{}
			c.buffer = c.buffer[1:]
			c.dropped++
			a.metrics.recordDropped(a.name)
		}
		c.buffer = append(c.buffer, d)
		a.metrics.recordBuffered(a.name)
		a.metrics.setBacklog(a.name, name, len(c.buffer))
	}
	a.mu.Unlock()

	for _, name := range forward {
		a.forward(name, d)
	}
}

func (a *Agent) forward(clientName string, d deliverFrame) {
	if err := send(a.transport, deliverSubject(a.name, clientName), "", &d); err != nil {
		a.logger.Warn().Err(err).Str("agent", a.name).Str("client", clientName).Msg("relay forward failed")
		return
	}
	a.metrics.recordForwarded(a.name)
}
