package models

// SeverityClass classifies how hard a failure is to remediate
type SeverityClass string

const (
	SeverityTransient     SeverityClass = "transient"     // timeout, rate limit, network blip
	SeverityConfiguration SeverityClass = "configuration" // bad credentials, missing tool
	SeverityLogic         SeverityClass = "logic"         // wrong output format, loop, code bug
	SeverityCatastrophic  SeverityClass = "catastrophic"  // corruption, unrecoverable
)

// PresenceState is the bucketed recency of operator activity
type PresenceState string

const (
	PresencePresent   PresenceState = "present"
	PresenceIdle      PresenceState = "idle"
	PresenceAway      PresenceState = "away"
	PresenceNeverSeen PresenceState = "never_seen"
)

// Reachable reports whether an operator can answer a prompt right now
func (p PresenceState) Reachable() bool {
	return p == PresencePresent
}
