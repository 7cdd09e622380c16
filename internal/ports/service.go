package ports

// Service is a long-running component the process starts and stops
type Service interface {
	// Start begins serving in the background
	Start() error

	// Stop shuts the service down and releases its resources
	Stop() error
}
