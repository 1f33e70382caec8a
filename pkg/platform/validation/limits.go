package validation

// Listing limits.
const (
	DefaultPageLimit = 50
	MaxPageLimit     = 1000
)

// String limits for producer-supplied fields stored on audit entries.
const (
	MaxEntityTypeLength = 100
	MaxEntityIDLength   = 255
	MaxIPAddressLength  = 64
	MaxRequestIDLength  = 128
	MaxSessionIDLength  = 255
)
