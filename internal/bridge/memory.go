package bridge

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MemoryAdapter is an in-process adapter used by tests and single-node
// deployments. Delay and Err simulate slow or failing networks.
type MemoryAdapter struct {
	NetworkName string
	Adverts     []Advert
	Delay       time.Duration
	Err         error
}

// Name implements Adapter.
func (m *MemoryAdapter) Name() string {
	return m.NetworkName
}

// Connect implements Adapter.
func (m *MemoryAdapter) Connect(ctx context.Context) error {
	return m.wait(ctx)
}

// Query implements Adapter.
func (m *MemoryAdapter) Query(ctx context.Context, capabilities []string) ([]Advert, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	matched := make([]Advert, 0, len(m.Adverts))
	for _, advert := range m.Adverts {
		if advertCovers(advert.Capabilities, capabilities) {
			matched = append(matched, advert)
		}
	}
	return matched, nil
}

// Submit implements Adapter.
func (m *MemoryAdapter) Submit(ctx context.Context, _ []byte) (string, error) {
	if err := m.wait(ctx); err != nil {
		return "", err
	}
	return uuid.NewString(), nil
}

// Close implements Adapter.
func (m *MemoryAdapter) Close() error {
	return nil
}

func (m *MemoryAdapter) wait(ctx context.Context) error {
	if m.Err != nil {
		return m.Err
	}
	if m.Delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(m.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func advertCovers(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

var _ Adapter = (*MemoryAdapter)(nil)
