package pricing

import (
	"fmt"
	"sync"
)

// Provider exposes current market pricing per shape per zone. Implementations
// sit in front of the cloud pricing API; the engine only reads.
type Provider interface {
	OnDemandPrice(shape, zone string) (float64, error)
	SpotPrice(shape, zone string) (float64, error)
}

type priceKey struct {
	shape string
	zone  string
}

// Static is an in-memory Provider fed by the configuration layer or by
// tests. Safe for concurrent use.
type Static struct {
	mu       sync.RWMutex
	onDemand map[priceKey]float64
	spot     map[priceKey]float64
}

func NewStatic() *Static {
	return &Static{
		onDemand: make(map[priceKey]float64),
		spot:     make(map[priceKey]float64),
	}
}

func (s *Static) SetOnDemand(shape, zone string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDemand[priceKey{shape, zone}] = price
}

func (s *Static) SetSpot(shape, zone string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spot[priceKey{shape, zone}] = price
}

func (s *Static) OnDemandPrice(shape, zone string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.onDemand[priceKey{shape, zone}]
	if !ok {
		return 0, fmt.Errorf("no on-demand price for %s in %s", shape, zone)
	}
	return p, nil
}

func (s *Static) SpotPrice(shape, zone string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.spot[priceKey{shape, zone}]
	if !ok {
		return 0, fmt.Errorf("no spot price for %s in %s", shape, zone)
	}
	return p, nil
}
