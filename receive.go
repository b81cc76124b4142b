package certify

import (
	"bytes"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/RobertWHurst/certify/agreement"
	"github.com/RobertWHurst/certify/ledger"
	"github.com/RobertWHurst/certify/subject"
)

func (t *CMTransport) onControl(subj, _ string, reader io.Reader) {
	kind := subject.Token(subj, 2)
	switch kind {
	case kindRegister:
		var frame registerFrame
		if t.decodeControl(kind, reader, &frame) {
			t.onRegister(frame)
		}
	case kindAck:
		var frame ackFrame
		if t.decodeControl(kind, reader, &frame) {
			t.onAck(frame)
		}
	case kindOld:
		var frame oldFrame
		if t.decodeControl(kind, reader, &frame) {
			t.onOld(frame)
		}
	case kindCancel:
		var frame cancelFrame
		if t.decodeControl(kind, reader, &frame) {
			t.onCancel(frame)
		}
	case kindRefused:
		var frame refusedFrame
		if t.decodeControl(kind, reader, &frame) {
			t.onRefused(frame)
		}
	case kindRetransmit:
		data, err := io.ReadAll(io.LimitReader(reader, MaxDecodeSize))
		if err != nil {
			return
		}
		t.receive(nil, "", "", data)
	case kindReply:
		data, err := io.ReadAll(io.LimitReader(reader, MaxDecodeSize))
		if err != nil {
			return
		}
		t.onReply(subj, data)
	default:
		t.logger.Debug().Str("subject", subj).Msg("unknown control subject")
	}
}

func (t *CMTransport) decodeControl(kind string, reader io.Reader, frame any) bool {
	if err := decodeFrame(reader, frame); err != nil {
		t.logger.Warn().Err(err).Str("kind", kind).Msg("bad control frame")
		return false
	}
	return true
}

func (t *CMTransport) onRegister(f registerFrame) {
	if !subject.ValidToken(f.Listener) || !subject.Valid(f.Subject) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != active {
		return
	}
	if _, ok := t.disallowed[f.Listener]; ok {
		t.publish(controlSubject(f.Listener, kindRefused), &refusedFrame{Sender: t.name, Subject: f.Subject})
		t.logger.Info().Str("listener", f.Listener).Str("subject", f.Subject).Msg("registration refused")
		return
	}
	first := f.First
	if first == 0 {
		first = 1
	}
	if t.ledger.AddListener(f.Subject, f.Listener, first) {
		t.logger.Debug().Str("listener", f.Listener).Str("subject", f.Subject).Uint64("first", first).
			Msg("listener registered")
	}
	t.commit()
}

func (t *CMTransport) onAck(f ackFrame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != active {
		return
	}
	if _, ok := t.disallowed[f.Listener]; ok {
		return
	}
	before, ok := t.ledger.State(f.Subject, f.Sequence)
	if !ok {
		return
	}
	after, _ := t.ledger.Confirm(f.Subject, f.Sequence, f.Listener)
	if before != ledger.Confirmed && after == ledger.Confirmed {
		t.metrics.recordConfirmed(t.name)
		t.logger.Debug().Str("subject", f.Subject).Uint64("seq", f.Sequence).Msg("message confirmed")
		// Replies go to one requester on a subject used once; once it
		// confirms there is nothing left to retain.
		if isReplySubject(f.Subject) {
			t.ledger.Drop(f.Subject)
		}
	}
	t.commit()
}

func (t *CMTransport) onOld(f oldFrame) {
	if !subject.ValidToken(f.Listener) || !subject.Valid(f.Subject) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != active {
		return
	}
	if _, ok := t.disallowed[f.Listener]; ok {
		return
	}
	to := f.To
	if last := t.ledger.LastSequence(f.Subject); to == 0 || to > last {
		to = last
	}
	if f.From > to {
		return
	}
	entries := t.ledger.Range(f.Subject, f.From, to)
	dest := controlSubject(f.Listener, kindRetransmit)
	for _, e := range entries {
		if err := t.transport.Send(dest, "", bytes.NewReader(e.Data)); err != nil {
			t.logger.Warn().Err(err).Str("listener", f.Listener).Msg("retransmit failed")
			return
		}
	}
	t.metrics.recordRetransmitted(t.name, len(entries))
	t.logger.Debug().Str("listener", f.Listener).Str("subject", f.Subject).
		Uint64("from", f.From).Uint64("to", to).Int("sent", len(entries)).Msg("retransmitted")
}

func (t *CMTransport) onCancel(f cancelFrame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != active {
		return
	}
	if t.ledger.RemoveListener(f.Subject, f.Listener) {
		t.logger.Debug().Str("listener", f.Listener).Str("subject", f.Subject).Msg("agreements cancelled")
	}
	t.commit()
}

func (t *CMTransport) onRefused(f refusedFrame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != active {
		return
	}
	key := agreement.Key{Sender: f.Sender, Subject: f.Subject}
	t.uncertified[key] = struct{}{}
	t.tracker.Forget(f.Sender, f.Subject)
	t.dropDeliveries(key)
	t.persistAgreements()
	t.logger.Warn().Str("sender", f.Sender).Str("subject", f.Subject).
		Msg("sender refused registration; receiving uncertified")
}

func (t *CMTransport) onReply(subj string, data []byte) {
	frame, ok := decodeData(data)
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != active {
		return
	}
	// A reply that arrives after its request timed out is still
	// confirmed, so the replier stops retaining it.
	if replies, ok := t.requests[subj]; ok {
		select {
		case replies <- t.inbound(frame):
		default:
		}
	}
	t.publish(controlSubject(frame.Sender, kindAck), &ackFrame{
		Listener: t.name,
		Subject:  frame.Subject,
		Sequence: frame.Sequence,
	})
}

// onData handles a message from owner's subscription.
func (t *CMTransport) onData(owner *Listener, subj, replySubject string, reader io.Reader) {
	// Wide patterns also match control and relay subjects, which are
	// handled elsewhere.
	if strings.HasPrefix(subj, controlPrefix) {
		return
	}
	data, err := io.ReadAll(io.LimitReader(reader, MaxDecodeSize))
	if err != nil {
		return
	}
	t.receive(owner, subj, replySubject, data)
}

func (t *CMTransport) onRelayDelivery(subj, replySubject string, data []byte) {
	t.receive(nil, subj, replySubject, data)
}

// receive routes an inbound message to the listeners whose subject matches.
// Certified envelopes go through the agreement tracker first, which drops
// the copies that arrive through overlapping subscriptions. Anything without
// an agreement goes only to owner, the listener whose subscription carried
// it, or to every match when it came through the relay or a retransmission.
func (t *CMTransport) receive(owner *Listener, subj, replySubject string, data []byte) {
	frame, certified := decodeData(data)
	if certified {
		subj = frame.Subject
		replySubject = frame.ReplySubject
	}
	if subj == "" {
		return
	}
	now := time.Now()

	t.mu.Lock()
	if t.state != active {
		t.mu.Unlock()
		return
	}
	targets := t.matching(subj)
	if len(targets) == 0 {
		t.mu.Unlock()
		return
	}

	if !certified {
		t.mu.Unlock()
		msg := &Message{subject: subj, replySubject: replySubject, data: data, encoder: t.encoder}
		t.dispatch(owned(owner, targets), msg, nil)
		return
	}

	msg := t.inbound(frame)
	if limit := seconds(frame.TimeLimit); limit > 0 && now.Sub(time.Unix(0, frame.SentAt)) > limit {
		t.mu.Unlock()
		t.logger.Debug().Str("sender", frame.Sender).Str("subject", subj).Uint64("seq", frame.Sequence).
			Msg("dropping message past its time limit")
		return
	}

	key := agreement.Key{Sender: frame.Sender, Subject: subj}
	if _, ok := t.uncertified[key]; ok {
		t.mu.Unlock()
		msg.cm.certified = false
		t.dispatch(owned(owner, targets), msg, nil)
		return
	}

	obs := t.tracker.Observe(frame.Sender, subj, frame.Sequence, now)
	switch obs.Verdict {
	case agreement.DuplicateConfirmed:
		t.publish(controlSubject(frame.Sender, kindAck), &ackFrame{Listener: t.name, Subject: subj, Sequence: frame.Sequence})
		t.metrics.recordDuplicate(t.name)
		t.mu.Unlock()
		return
	case agreement.Duplicate:
		t.metrics.recordDuplicate(t.name)
		t.mu.Unlock()
		return
	case agreement.Gap:
		t.logger.Debug().Str("sender", frame.Sender).Str("subject", subj).
			Uint64("from", obs.MissingFrom).Uint64("to", obs.MissingTo).Msg("sequence gap")
		if t.requestOld {
			t.publish(controlSubject(frame.Sender, kindOld), &oldFrame{
				Listener: t.name,
				Subject:  subj,
				From:     obs.MissingFrom,
				To:       obs.MissingTo,
			})
		}
	}
	if obs.First {
		t.publish(controlSubject(frame.Sender, kindRegister), &registerFrame{
			Listener: t.name,
			Subject:  subj,
			First:    frame.Sequence,
		})
	}

	rec := &delivery{
		key:     deliveryKey{sender: frame.Sender, subject: subj, seq: frame.Sequence},
		waiting: make(map[*Listener]struct{}, len(targets)),
	}
	for _, l := range targets {
		rec.waiting[l] = struct{}{}
	}
	t.deliveries[rec.key] = rec
	t.mu.Unlock()

	t.dispatch(targets, msg, rec)
}

// owned narrows targets to owner when there is one.
func owned(owner *Listener, targets []*Listener) []*Listener {
	if owner == nil {
		return targets
	}
	if slices.Contains(targets, owner) {
		return []*Listener{owner}
	}
	return nil
}

func (t *CMTransport) dispatch(targets []*Listener, msg *Message, rec *delivery) {
	for _, l := range targets {
		t.metrics.recordDelivered(t.name)
		l.deliver(msg.clone(), rec)
	}
}

func (t *CMTransport) inbound(frame dataFrame) *Message {
	return &Message{
		subject:      frame.Subject,
		replySubject: frame.ReplySubject,
		data:         frame.Data,
		contentType:  frame.ContentType,
		encoder:      t.encoder,
		cm: &cmMeta{
			sender:    frame.Sender,
			sequence:  frame.Sequence,
			timeLimit: frame.TimeLimit,
			certified: true,
		},
	}
}

func (t *CMTransport) matching(subj string) []*Listener {
	var out []*Listener
	for _, l := range t.listeners {
		if subject.Match(l.subject, subj) {
			out = append(out, l)
		}
	}
	return out
}

// confirmDelivery records that l confirmed the message. Confirming twice,
// or confirming a message the transport no longer tracks, does nothing.
func (t *CMTransport) confirmDelivery(l *Listener, sender, subj string, seq uint64) error {
	if t == nil {
		return ErrInvalidTransport
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == destroyed {
		return ErrInvalidTransport
	}
	rec, ok := t.deliveries[deliveryKey{sender: sender, subject: subj, seq: seq}]
	if !ok {
		return nil
	}
	t.settle(l, rec, true)
	return nil
}

func (t *CMTransport) confirmRecord(l *Listener, rec *delivery) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.settle(l, rec, true)
}

// release gives up l's share of rec without confirming it.
func (t *CMTransport) release(l *Listener, rec *delivery) {
	if rec == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.settle(l, rec, false)
}

func (t *CMTransport) settle(l *Listener, rec *delivery, confirmed bool) {
	if rec.dropped {
		return
	}
	if _, waiting := rec.waiting[l]; !waiting {
		return
	}
	delete(rec.waiting, l)
	if confirmed {
		rec.confirmed++
	}
	if len(rec.waiting) > 0 {
		return
	}
	if t.deliveries[rec.key] == rec {
		delete(t.deliveries, rec.key)
	}
	if rec.confirmed == 0 || t.state != active {
		return
	}
	t.tracker.Confirm(rec.key.sender, rec.key.subject, rec.key.seq)
	t.publish(controlSubject(rec.key.sender, kindAck), &ackFrame{
		Listener: t.name,
		Subject:  rec.key.subject,
		Sequence: rec.key.seq,
	})
	t.persistAgreements()
}

func (t *CMTransport) dropDeliveries(key agreement.Key) {
	for k, rec := range t.deliveries {
		if k.sender == key.Sender && k.subject == key.Subject {
			rec.dropped = true
			delete(t.deliveries, k)
		}
	}
}
