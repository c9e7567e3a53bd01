package registry

import (
	"time"

	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/state"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/transport"
)

// watch reads one session's events until the session is closed.
func (r *Registry) watch(e *entry, sess transport.Session, gen uint64) {
	defer r.wg.Done()
	for {
		select {
		case <-sess.Done():
			return
		case <-r.ctx.Done():
			return
		case evt := <-sess.Events():
			r.dispatch(e, gen, evt)
		}
	}
}

func (r *Registry) dispatch(e *entry, gen uint64, evt transport.Event) {
	switch evt.Type {
	case transport.EventChallenge:
		if p, ok := evt.Payload.(transport.ChallengePayload); ok {
			r.onChallenge(e, gen, p.Code)
		}
	case transport.EventOpened:
		if p, ok := evt.Payload.(transport.OpenedPayload); ok {
			r.onOpened(e, gen, p)
		}
	case transport.EventClosed:
		if p, ok := evt.Payload.(transport.ClosedPayload); ok {
			r.onClosed(e, gen, p)
		}
	case transport.EventMessage:
		msg, ok := evt.Payload.(*transport.InboundMessage)
		if !ok || !r.current(e, gen) {
			return
		}
		if h := r.eventHandler(); h != nil {
			h.HandleMessage(r.ctx, e.id, msg)
		}
	case transport.EventReceipt:
		p, ok := evt.Payload.(transport.ReceiptPayload)
		if !ok || !r.current(e, gen) {
			return
		}
		if h := r.eventHandler(); h != nil {
			h.HandleReceipt(r.ctx, e.id, p)
		}
	default:
		r.log.Debug("unhandled transport event", "connection", e.id, "type", evt.Type)
	}
}

func (r *Registry) current(e *entry, gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gen == gen && !e.removed
}

func (r *Registry) onChallenge(e *entry, gen uint64, code string) {
	r.locked(e, func() {
		if e.gen != gen || e.machine.MustState() != state.StateConnecting {
			return
		}
		if e.credTimer != nil {
			e.credTimer.Stop()
			e.credTimer = nil
		}
		e.challengeIssued = true

		img, err := renderChallenge(code)
		if err != nil {
			r.log.Warn("failed to render challenge", "connection", e.id, "error", err)
		}
		e.challenge = &Challenge{Code: code, Image: img, IssuedAt: time.Now()}

		if e.expiryTimer != nil {
			e.expiryTimer.Stop()
		}
		e.expiryTimer = time.AfterFunc(r.cfg.ChallengeExpiry, func() { r.onChallengeExpired(e, gen, code) })

		r.fire(r.ctx, e, state.TriggerChallengeIssued, "")
		r.log.Info("challenge issued", "connection", e.id)
	})
}

// onChallengeExpired drops a challenge nobody answered. The session stays
// connecting; the transport either rotates the code or closes.
func (r *Registry) onChallengeExpired(e *entry, gen uint64, code string) {
	r.locked(e, func() {
		if e.gen != gen || e.challenge == nil || e.challenge.Code != code {
			return
		}
		e.challenge = nil
		e.expiryTimer = nil
		r.log.Info("challenge expired", "connection", e.id)
	})
}

func (r *Registry) onOpened(e *entry, gen uint64, p transport.OpenedPayload) {
	r.locked(e, func() {
		if e.gen != gen {
			return
		}
		if e.credTimer != nil {
			e.credTimer.Stop()
			e.credTimer = nil
		}
		if e.expiryTimer != nil {
			e.expiryTimer.Stop()
			e.expiryTimer = nil
		}
		e.challenge = nil
		e.address = p.Address
		e.displayName = p.DisplayName
		r.fire(r.ctx, e, state.TriggerOpened, "")
	})
}

// onClosed applies the purge policy: an explicit logout always discards
// credentials, and rejected credentials are discarded unless the operator
// was already shown a challenge in this session.
func (r *Registry) onClosed(e *entry, gen uint64, p transport.ClosedPayload) {
	var (
		sess  transport.Session
		purge bool
		stale bool
	)
	r.locked(e, func() {
		if e.gen != gen {
			stale = true
			return
		}
		purge = p.Reason == transport.CloseLoggedOut ||
			(p.Reason == transport.CloseInvalidCredentials && !e.challengeIssued)
		sess = r.teardown(e)
		closeSession(sess)
		if purge {
			r.purge(e.id)
		}
		r.fire(r.ctx, e, state.TriggerClosed, p.Reason)
	})
	if stale {
		return
	}
	r.log.Info("session closed", "connection", e.id, "reason", p.Reason, "detail", p.Detail, "purged", purge)
}

func (r *Registry) onCredentialTimeout(e *entry, gen uint64) {
	r.locked(e, func() {
		if e.gen != gen || e.challengeIssued || e.machine.MustState() != state.StateConnecting {
			return
		}
		r.log.Warn("no challenge or open within credential timeout", "connection", e.id, "timeout", r.cfg.CredentialTimeout)
		closeSession(r.teardown(e))
		r.purge(e.id)
		r.fire(r.ctx, e, state.TriggerCredentialTimeout, transport.CloseTimeout)
	})
}

func (r *Registry) purge(id int64) {
	if err := r.creds.Purge(r.ctx, id); err != nil {
		r.log.Error("failed to purge credentials", "connection", id, "error", err)
	}
}
