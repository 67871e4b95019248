package bridge

import "context"

// Adapter is the uniform access surface for one remote network. Concrete
// implementations live in subpackages; the coordinator never depends on a
// specific bridge protocol.
type Adapter interface {
	// Name returns the network's registered name.
	Name() string
	// Connect establishes or refreshes the underlying connection.
	Connect(ctx context.Context) error
	// Query runs remote agent discovery for a capability set.
	Query(ctx context.Context, capabilities []string) ([]Advert, error)
	// Submit pushes an opaque bridging payload and returns its reference.
	Submit(ctx context.Context, payload []byte) (string, error)
	// Close releases the connection.
	Close() error
}
