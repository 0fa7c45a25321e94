package rcvbuf

import "errors"

// DefaultCapacity is used when the provider cannot report a usable size.
const DefaultCapacity = 1 << 20

// Fallback reasons reported to metrics and logs.
const (
	fallbackNoProvider    = "no_provider"
	fallbackProviderError = "provider_error"
	fallbackNonPositive   = "non_positive"
)

// CapacityProvider reports the transport's receive buffer size (SO_RCVBUF).
type CapacityProvider interface {
	ReceiveBufferSize() (int, error)
}

// CapacityProviderFunc adapts a function to CapacityProvider.
type CapacityProviderFunc func() (int, error)

func (f CapacityProviderFunc) ReceiveBufferSize() (int, error) {
	return f()
}

// StaticCapacity reports a fixed receive buffer size.
type StaticCapacity int

func (s StaticCapacity) ReceiveBufferSize() (int, error) {
	return int(s), nil
}

// resolveCapacity maps the provider's answer to a byte capacity. fallback is
// empty when the provider's value was used.
func resolveCapacity(p CapacityProvider) (capacity int, fallback string, err error) {
	if p == nil {
		return DefaultCapacity, fallbackNoProvider, errors.New("no capacity provider")
	}

	size, err := p.ReceiveBufferSize()
	switch {
	case err != nil:
		return DefaultCapacity, fallbackProviderError, err
	case size <= 0:
		return DefaultCapacity, fallbackNonPositive, nil
	case size < DefaultCapacity:
		// Small socket buffers are doubled
		return size * 2, "", nil
	default:
		return size, "", nil
	}
}
