package strategy

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// WildcardStrategy routes every subdomain of a registered suffix. A pattern of
// "*.example.com" matches "a.example.com" and "a.b.example.com" but not
// "example.com" itself; the longest matching suffix wins.
type WildcardStrategy struct {
	mu       sync.RWMutex
	suffixes map[string]string // suffix without "*." -> target
}

func NewWildcardStrategy() *WildcardStrategy {
	return &WildcardStrategy{
		suffixes: make(map[string]string),
	}
}

func wildcardKey(pattern string) string {
	p := Normalize(pattern)
	p = strings.TrimPrefix(p, "*")
	return strings.TrimPrefix(p, ".")
}

func (s *WildcardStrategy) Resolve(ctx context.Context, fqdn string) (string, error) {
	host := Normalize(fqdn)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for {
		i := strings.IndexByte(host, '.')
		if i < 0 {
			return "", ErrNoRoute
		}
		host = host[i+1:]
		if target, ok := s.suffixes[host]; ok {
			return target, nil
		}
	}
}

func (s *WildcardStrategy) UpdateRoute(pattern, target string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suffixes[wildcardKey(pattern)] = target
}

func (s *WildcardStrategy) RemoveRoute(pattern string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := wildcardKey(pattern)
	_, ok := s.suffixes[key]
	delete(s.suffixes, key)
	return ok
}

func (s *WildcardStrategy) Routes() []Route {
	s.mu.RLock()
	defer s.mu.RUnlock()

	routes := make([]Route, 0, len(s.suffixes))
	for suffix, target := range s.suffixes {
		routes = append(routes, Route{FQDN: "*." + suffix, Type: StrategyWildcard, Target: target})
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].FQDN < routes[j].FQDN })
	return routes
}
