// Package engine defines the contract between the instance orchestrator and
// the messaging protocol implementation.
//
// A Factory opens one Session per instance from the instance's credential
// directory. The session reports its lifecycle on a single event channel:
//
//	PairingArtifact  a new scan code / login link is available
//	Open             the session is authenticated and syncing
//	Close            the session ended; Reason says why
//	MessageReceived  an inbound message, already normalized
//
// The channel is closed after the final Close event. The orchestrator is the
// only consumer and the only place that interprets close reasons.
package engine
