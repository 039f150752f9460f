package constants

// Handler constants
const (
	// DefaultHistoryLimit is the default number of history entries returned
	DefaultHistoryLimit = 50

	// MaxHistoryLimit caps the history page size
	MaxHistoryLimit = 1000

	// MaxScanRequestSize is the maximum body size of a scan request in bytes (64MB)
	MaxScanRequestSize = 64 << 20
)

// Event channel constants
const (
	// EventChannelBuffer is the buffer size for event channels
	EventChannelBuffer = 100
)
