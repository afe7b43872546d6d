package strategy

import (
	"context"
	"sort"
	"sync"
)

type SimpleStrategy struct {
	mu     sync.RWMutex
	routes map[string]string // FQDN -> target
}

func NewSimpleStrategy() *SimpleStrategy {
	return &SimpleStrategy{
		routes: make(map[string]string),
	}
}

func (s *SimpleStrategy) Resolve(ctx context.Context, fqdn string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	target, ok := s.routes[Normalize(fqdn)]
	if !ok {
		return "", ErrNoRoute
	}
	return target, nil
}

func (s *SimpleStrategy) UpdateRoute(fqdn, target string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[Normalize(fqdn)] = target
}

func (s *SimpleStrategy) RemoveRoute(fqdn string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := Normalize(fqdn)
	_, ok := s.routes[key]
	delete(s.routes, key)
	return ok
}

func (s *SimpleStrategy) Routes() []Route {
	s.mu.RLock()
	defer s.mu.RUnlock()

	routes := make([]Route, 0, len(s.routes))
	for fqdn, target := range s.routes {
		routes = append(routes, Route{FQDN: fqdn, Type: StrategySimple, Target: target})
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].FQDN < routes[j].FQDN })
	return routes
}
