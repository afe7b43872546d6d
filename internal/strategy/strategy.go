package strategy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

type StrategyType string

const (
	StrategySimple   StrategyType = "simple"
	StrategyWildcard StrategyType = "wildcard"
)

var (
	ErrNoRoute         = errors.New("route not found")
	ErrUnknownStrategy = errors.New("unknown strategy type")
)

type Route struct {
	FQDN   string       `json:"fqdn"`
	Type   StrategyType `json:"type"`
	Target string       `json:"target"` // host:port of the backend
}

type RoutingStrategy interface {
	Resolve(ctx context.Context, fqdn string) (string, error)
	UpdateRoute(fqdn, target string)
	RemoveRoute(fqdn string) bool
	Routes() []Route
}

// StrategyManager resolves host names against the registered strategies in
// registration order.
type StrategyManager struct {
	mu         sync.RWMutex
	order      []StrategyType
	strategies map[StrategyType]RoutingStrategy
}

func NewStrategyManager() *StrategyManager {
	return &StrategyManager{
		strategies: make(map[StrategyType]RoutingStrategy),
	}
}

func (m *StrategyManager) Register(t StrategyType, s RoutingStrategy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.strategies[t]; !ok {
		m.order = append(m.order, t)
	}
	m.strategies[t] = s
}

func (m *StrategyManager) Get(t StrategyType) RoutingStrategy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.strategies[t]
}

// Types returns the registered strategy types in registration order.
func (m *StrategyManager) Types() []StrategyType {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]StrategyType(nil), m.order...)
}

func (m *StrategyManager) Resolve(ctx context.Context, fqdn string) (string, error) {
	for _, t := range m.Types() {
		s := m.Get(t)
		if s == nil {
			continue
		}
		if target, err := s.Resolve(ctx, fqdn); err == nil {
			return target, nil
		}
	}
	return "", fmt.Errorf("%w for SNI %s", ErrNoRoute, fqdn)
}

func (m *StrategyManager) Apply(route Route) error {
	s := m.Get(route.Type)
	if s == nil {
		return fmt.Errorf("%w: %q", ErrUnknownStrategy, route.Type)
	}
	if route.FQDN == "" || route.Target == "" {
		return errors.New("fqdn and target are required")
	}
	s.UpdateRoute(route.FQDN, route.Target)
	return nil
}

func (m *StrategyManager) Remove(t StrategyType, fqdn string) (bool, error) {
	s := m.Get(t)
	if s == nil {
		return false, fmt.Errorf("%w: %q", ErrUnknownStrategy, t)
	}
	return s.RemoveRoute(fqdn), nil
}

func (m *StrategyManager) Routes() []Route {
	var routes []Route
	for _, t := range m.Types() {
		if s := m.Get(t); s != nil {
			routes = append(routes, s.Routes()...)
		}
	}
	return routes
}

// Normalize lower-cases a host name and drops a trailing root dot.
func Normalize(fqdn string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(fqdn)), ".")
}
