package pod

// Event reasons recorded on pod objects. The strings match the ones the
// standard kubelet emits so existing tooling and alerts keep working.
const (
	EventPulling = "Pulling"
	EventPulled  = "Pulled"
	EventFailed  = "Failed"
	EventCreated = "Created"
	EventStarted = "Started"
	EventKilling = "Killing"
	EventBackOff = "BackOff"
)
