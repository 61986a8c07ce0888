package authcore

import (
	"io"
	"log/slog"

	"github.com/MrEthical07/authcore/internal/audit"
	"github.com/MrEthical07/authcore/internal/flows"
)

// AuditEvent is one immutable authentication-relevant fact.
type AuditEvent = audit.Event

// AuditSink receives audit events from the dispatcher goroutine. It owns
// persistence; the engine never waits on it.
type AuditSink = audit.Sink

// ActorSystem is the actor of events not attributable to an identity.
const ActorSystem = audit.ActorSystem

// Audit action tags. Rejections carry a "reason" metadata entry.
const (
	AuditLoginSucceeded         = flows.ActionLoginSucceeded
	AuditLoginFailed            = flows.ActionLoginFailed
	AuditSecondFactorRequired   = flows.ActionSecondFactorRequired
	AuditSecondFactorFailed     = flows.ActionSecondFactorFailed
	AuditSecondFactorVerified   = flows.ActionSecondFactorVerified
	AuditIdentityCreated        = flows.ActionIdentityCreated
	AuditIdentityLinked         = flows.ActionIdentityLinked
	AuditEmailVerified          = flows.ActionEmailVerified
	AuditSessionRefreshed       = flows.ActionSessionRefreshed
	AuditRefreshFailed          = flows.ActionRefreshFailed
	AuditRefreshReuseDetected   = flows.ActionRefreshReuseDetected
	AuditSessionsRevoked        = flows.ActionSessionsRevoked
	AuditLogout                 = flows.ActionLogout
	AuditOTPIssued              = flows.ActionOTPIssued
	AuditOTPRateLimited         = flows.ActionOTPRateLimited
	AuditOTPDeliveryFailed      = flows.ActionOTPDeliveryFailed
	AuditOTPFailed              = flows.ActionOTPFailed
	AuditResetRequested         = flows.ActionResetRequested
	AuditResetCompleted         = flows.ActionResetCompleted
	AuditResetFailed            = flows.ActionResetFailed
	AuditVerificationRequested  = flows.ActionVerificationRequested
	AuditVerificationFailed     = flows.ActionVerificationFailed
	AuditSecondFactorEnrolled   = flows.ActionSecondFactorEnrolled
	AuditSecondFactorDisabled   = flows.ActionSecondFactorDisabled
	AuditBackupCodesRegenerated = flows.ActionBackupCodesRegenerated
)

// NoOpSink drops audit events.
type NoOpSink = audit.NoOpSink

// ChannelSink buffers audit events in a channel, mostly for tests.
type ChannelSink = audit.ChannelSink

// NewChannelSink returns a [ChannelSink] with the given buffer.
func NewChannelSink(buffer int) *ChannelSink {
	return audit.NewChannelSink(buffer)
}

// NewJSONWriterSink writes one JSON object per event to w.
func NewJSONWriterSink(w io.Writer) AuditSink {
	return audit.NewJSONWriterSink(w)
}

// NewSlogSink logs every event at Info through logger.
func NewSlogSink(logger *slog.Logger) AuditSink {
	return audit.NewSlogSink(logger)
}
