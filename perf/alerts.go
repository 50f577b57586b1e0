package perf

import (
	"context"
	"fmt"
	"sort"

	"github.com/wolfeidau/strategy-cache/telemetry"
)

// OnAlert registers cb for every alert that fires and returns a function
// that unregisters it. Callbacks run synchronously; a panicking callback
// is logged and does not stop delivery to the others.
func (c *Collector) OnAlert(cb func(Alert)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.onAlert[id] = cb
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.onAlert, id)
	}
}

// EvaluateAlerts runs the alert rules against snap and returns the alerts
// that fired. An alert for a (type, context) pair that fired within the
// suppression window is not fired again.
func (c *Collector) EvaluateAlerts(ctx context.Context, snap Snapshot) []Alert {
	candidates := c.checkRules(snap)

	c.mu.Lock()
	now := c.now()
	var fired []Alert
	for _, a := range candidates {
		key := a.Type + "|" + a.Context
		if last, ok := c.lastFired[key]; ok && now.Sub(last) < c.config.SuppressFor {
			continue
		}
		a.TriggeredAt = now
		c.lastFired[key] = now
		c.alerts = append(c.alerts, a)
		fired = append(fired, a)
	}
	if over := len(c.alerts) - c.config.MaxSnapshots; over > 0 {
		c.alerts = append([]Alert(nil), c.alerts[over:]...)
	}
	callbacks := make([]func(Alert), 0, len(c.onAlert))
	ids := make([]int, 0, len(c.onAlert))
	for id := range c.onAlert {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		callbacks = append(callbacks, c.onAlert[id])
	}
	c.mu.Unlock()

	for _, a := range fired {
		c.logger.Warn("alert fired",
			"type", a.Type,
			"severity", a.Severity,
			"context", a.Context,
			"message", a.Message,
		)
		telemetry.RecordAlert(ctx, a.Type, string(a.Severity))
		for _, cb := range callbacks {
			c.deliver(cb, a)
		}
	}
	return fired
}

func (c *Collector) deliver(cb func(Alert), a Alert) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("alert callback panicked", "panic", fmt.Sprint(r))
		}
	}()
	cb(a)
}

// ActiveAlerts returns the alerts fired within the suppression window,
// newest first.
func (c *Collector) ActiveAlerts() []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	var out []Alert
	for i := len(c.alerts) - 1; i >= 0; i-- {
		if now.Sub(c.alerts[i].TriggeredAt) < c.config.SuppressFor {
			out = append(out, c.alerts[i])
		}
	}
	return out
}

func (c *Collector) checkRules(snap Snapshot) []Alert {
	var out []Alert

	types := make([]string, 0, len(snap.HitRates))
	for t := range snap.HitRates {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		r := snap.HitRates[t]
		if r.total() < c.config.MinLookups || r.Ratio >= c.config.HitRateFloor {
			continue
		}
		out = append(out, Alert{
			Type:      AlertHitRateLow,
			Severity:  severityPast(c.config.HitRateFloor-r.Ratio, 0.15, 0.3),
			Context:   t,
			Message:   fmt.Sprintf("hit rate for %s is %.2f, below %.2f", t, r.Ratio, c.config.HitRateFloor),
			Value:     r.Ratio,
			Threshold: c.config.HitRateFloor,
		})
	}

	if pct := snap.Storage.Percentage; pct >= c.config.StorageEmergency {
		out = append(out, Alert{
			Type:      AlertStorageFull,
			Severity:  severityPast(pct-c.config.StorageEmergency, 5, 8),
			Context:   "storage",
			Message:   fmt.Sprintf("storage is %.1f%% full", pct),
			Value:     pct,
			Threshold: c.config.StorageEmergency,
		})
	}

	if s := snap.Sync; s.TotalOperations >= c.config.MinSyncOps && s.SuccessRate < c.config.SyncFloor {
		out = append(out, Alert{
			Type:      AlertSyncFailureHigh,
			Severity:  severityPast(c.config.SyncFloor-s.SuccessRate, 0.15, 0.3),
			Context:   "sync",
			Message:   fmt.Sprintf("sync success rate is %.2f, below %.2f", s.SuccessRate, c.config.SyncFloor),
			Value:     s.SuccessRate,
			Threshold: c.config.SyncFloor,
		})
	}
	return out
}

// severityPast escalates with how far a value is past its threshold.
func severityPast(distance, errorAt, criticalAt float64) Severity {
	switch {
	case distance > criticalAt:
		return SeverityCritical
	case distance > errorAt:
		return SeverityError
	default:
		return SeverityWarning
	}
}
