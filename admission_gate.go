package banext

import (
	"fmt"
	"runtime/debug"
	"time"
)

// Reason tells logs and metrics why a connection was terminated. Hosts react
// to every reason the same way.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonBanned             Reason = "banned"
	ReasonTooManyConnections Reason = "too_many_connections"
	ReasonTooManyFailures    Reason = "too_many_failures"
)

// Decision is the outcome of one gate hook. A Decision that does not admit
// must be answered by closing the connection with CloseCode.
type Decision struct {
	Admit     bool
	Reason    Reason
	CloseCode int
}

var admit = Decision{Admit: true}

func terminate(reason Reason) Decision {
	return Decision{Reason: reason, CloseCode: CloseCodePolicyViolation}
}

// Err returns nil for an admitting decision and a *PolicyViolationError
// otherwise.
func (d Decision) Err() error {
	if d.Admit {
		return nil
	}
	return &PolicyViolationError{Status: d.CloseCode, Reason: d.Reason}
}

// GateOptions carries the optional collaborators of an AdmissionGate.
type GateOptions struct {
	Metrics *Metrics
	// Now defaults to time.Now.
	Now func() time.Time
}

// AdmissionGate decides at each lifecycle point of a connection whether it
// may proceed. Its hooks never block on storage and never return errors;
// internal faults admit the connection.
type AdmissionGate struct {
	registry    *BanRegistry
	connections *ConnectionRateGuard
	failures    *FailureRateGuard
	metrics     *Metrics
	now         func() time.Time
}

// NewAdmissionGate builds a gate over a registry whose LoadAll has finished.
func NewAdmissionGate(registry *BanRegistry, cfg Config, opts GateOptions) (*AdmissionGate, error) {
	if registry == nil {
		return nil, fmt.Errorf("ban registry is required")
	}
	if !registry.Loaded() {
		return nil, ErrRegistryNotLoaded
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &AdmissionGate{
		registry:    registry,
		connections: NewConnectionRateGuard(cfg.MaxConnectionAttempts, cfg.ConnectionWindow, cfg.MaxTrackedKeys),
		failures:    NewFailureRateGuard(cfg.MaxFailures, cfg.FailureWindow, cfg.MaxTrackedKeys),
		metrics:     opts.Metrics,
		now:         now,
	}, nil
}

func (g *AdmissionGate) Registry() *BanRegistry {
	return g.registry
}

// BeforeAccept runs before the host completes a handshake with a peer at
// sourceAddress.
func (g *AdmissionGate) BeforeAccept(sourceAddress string) (d Decision) {
	defer g.recoverHook("before_accept", &d)

	addr := NormalizeSourceAddress(sourceAddress)
	if addr == "" {
		return admit
	}
	now := g.now()
	if g.registry.IsBanned(addr, now) {
		return g.reject(ReasonBanned, "address", addr)
	}
	if g.connections.RecordAddressAttempt(addr, now) {
		g.ban(addr, now, ReasonTooManyConnections)
		return g.reject(ReasonTooManyConnections, "address", addr)
	}
	return admit
}

// ConnectionValidated runs once conn.Identity has been authenticated.
func (g *AdmissionGate) ConnectionValidated(conn *Connection) (d Decision) {
	defer g.recoverHook("connection_validated", &d)

	if conn == nil || conn.Identity == "" {
		return admit
	}
	now := g.now()
	if g.registry.IsBanned(conn.Identity, now) {
		return g.reject(ReasonBanned, "identity", conn.Identity)
	}
	if g.connections.RecordIdentityAttempt(conn.Identity, now) {
		g.ban(conn.Identity, now, ReasonTooManyConnections)
		return g.reject(ReasonTooManyConnections, "identity", conn.Identity)
	}
	return admit
}

// HandleMessageFailed runs each time the host fails to process a message on
// conn. The failure itself is only logged.
func (g *AdmissionGate) HandleMessageFailed(conn *Connection, failure error) (d Decision) {
	defer g.recoverHook("message_failed", &d)

	if conn == nil {
		return admit
	}
	logger.Debug("connection message failed",
		"component", "gate", "kind", "failure",
		"connection", conn.ID,
		"error", failure,
	)
	now := g.now()
	if g.failures.RecordFailure(conn.ID, now) {
		source := conn.banSource()
		g.ban(source, now, ReasonTooManyFailures)
		return g.reject(ReasonTooManyFailures, "connection", source)
	}
	return admit
}

// ConnectionClosed releases the per-connection counters of conn.
func (g *AdmissionGate) ConnectionClosed(conn *Connection) {
	var d Decision
	defer g.recoverHook("connection_closed", &d)
	if conn == nil {
		return
	}
	g.failures.Forget(conn.ID)
}

func (g *AdmissionGate) ban(source string, now time.Time, reason Reason) {
	rec := g.registry.RegisterBan(source, now)
	g.metrics.recordBan(reason)
	logger.Warn("source banned",
		"component", "gate", "kind", "ban",
		"reason", reason,
		"source_hash", sourceFingerprint(source),
		"ban_count", rec.BanCount,
		"period", humanBanPeriod(rec.Till.Sub(rec.BannedAt)),
		"till", rec.Till.Format(time.RFC3339),
	)
}

func (g *AdmissionGate) reject(reason Reason, keyKind, source string) Decision {
	g.metrics.recordRejection(reason)
	attrs := []any{
		"component", "gate", "kind", "reject",
		"reason", reason,
		"key", keyKind,
		"source_hash", sourceFingerprint(source),
	}
	// Banned sources reconnect in floods; their ban was logged once already.
	if reason == ReasonBanned {
		logger.Debug("connection rejected", attrs...)
	} else {
		logger.Info("connection rejected", attrs...)
	}
	return terminate(reason)
}

// recoverHook turns a panic inside a hook into an admitting decision.
func (g *AdmissionGate) recoverHook(hook string, d *Decision) {
	if r := recover(); r != nil {
		logger.Error("admission hook panic; admitting connection",
			"component", "gate", "kind", "panic",
			"hook", hook,
			"panic", r,
			"stack", string(debug.Stack()),
		)
		*d = admit
	}
}
