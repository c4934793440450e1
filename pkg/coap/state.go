package coap

// EndpointState represents the lifecycle state of an Endpoint.
type EndpointState int

const (
	// EndpointStateInitialized means the endpoint is created but not started.
	EndpointStateInitialized EndpointState = iota

	// EndpointStateStarting means Start() has been called and initialization is in progress.
	EndpointStateStarting

	// EndpointStateRunning means the endpoint is serving and can send requests.
	EndpointStateRunning

	// EndpointStateStopping means Stop() has been called and shutdown is in progress.
	EndpointStateStopping

	// EndpointStateStopped means the endpoint has been shut down. It cannot be restarted.
	EndpointStateStopped
)

// String returns a human-readable name for the state.
func (s EndpointState) String() string {
	switch s {
	case EndpointStateInitialized:
		return "Initialized"
	case EndpointStateStarting:
		return "Starting"
	case EndpointStateRunning:
		return "Running"
	case EndpointStateStopping:
		return "Stopping"
	case EndpointStateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// IsRunning returns true if the endpoint is in an operational state.
func (s EndpointState) IsRunning() bool {
	return s == EndpointStateRunning
}

// CanStart returns true if Start() can be called in this state.
func (s EndpointState) CanStart() bool {
	return s == EndpointStateInitialized
}

// CanStop returns true if Stop() can be called in this state.
func (s EndpointState) CanStop() bool {
	return s.IsRunning() || s == EndpointStateStarting
}
