package state

// Trigger represents an event that causes a state transition.
type Trigger string

const (
	TriggerConnect           Trigger = "connect"
	TriggerChallengeIssued   Trigger = "challenge_issued"
	TriggerOpened            Trigger = "opened"
	TriggerClosed            Trigger = "closed"
	TriggerCredentialTimeout Trigger = "credential_timeout"
	TriggerOpenFailed        Trigger = "open_failed"
)

// String returns the string representation of the trigger.
func (t Trigger) String() string {
	return string(t)
}
