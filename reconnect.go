package fog

import (
	"time"
)

// reconnect is the schedule of a lost explicit link.
type reconnect struct {
	addr string
	// id is zero when the link never authenticated.
	id       NodeID
	attempts int
	due      time.Time
	inflight Link
}

func (r *Router) scheduleReconnect(addr string, id NodeID) {
	if addr == "" || r.config.reconnectAttempts == 0 {
		return
	}
	if _, exists := r.reconnects[addr]; exists {
		return
	}

	r.reconnects[addr] = &reconnect{
		addr:     addr,
		id:       id,
		attempts: r.config.reconnectAttempts,
		due:      r.clock.Now().Add(r.config.reconnectInterval),
	}
	r.logger.Info("scheduled reconnection",
		LabelPeerAddr.L(addr),
		LabelAttempts.L(r.config.reconnectAttempts),
	)
}

func (r *Router) runReconnects(now time.Time) {
	for addr, rc := range r.reconnects {
		if rc.inflight != nil {
			continue
		}

		if !rc.id.IsZero() && r.routes[rc.id] != nil {
			r.logger.Info("peer reachable again, reconnection dropped",
				LabelPeerAddr.L(addr), LabelPeerID.L(rc.id))
			delete(r.reconnects, addr)
			continue
		}

		if now.Before(rc.due) {
			continue
		}

		r.msink.IncrCounterWithLabels(MetricRouterReconnects, 1.0, r.config.metricLabels)
		r.logger.Debug("reconnecting", LabelPeerAddr.L(addr), LabelAttempts.L(rc.attempts))
		rc.inflight = r.dial(&dialIntent{addr: addr, explicit: true, reconnect: rc})
	}
}

// reconnectFailed consumes one attempt of rc.
func (r *Router) reconnectFailed(rc *reconnect, err error) {
	rc.inflight = nil
	rc.attempts--
	if rc.attempts <= 0 {
		delete(r.reconnects, rc.addr)
		r.msink.IncrCounterWithLabels(MetricRouterReconnectGiveUp, 1.0, r.config.metricLabels)
		r.logger.Warn("giving up reconnection", LabelPeerAddr.L(rc.addr), LabelError.L(err))
		return
	}
	rc.due = r.clock.Now().Add(r.config.reconnectInterval)
	r.logger.Debug("reconnection failed",
		LabelPeerAddr.L(rc.addr),
		LabelAttempts.L(rc.attempts),
		LabelError.L(err),
	)
}
