// Package backend holds the machinery shared by transfer adapters: the set
// of configured adapters, a polling watcher for engines that are queried for
// status, and a job runner for transfers driven by a goroutine.
package backend

import (
	"mirrorq/internal/domain"
	"mirrorq/internal/ports"
	"slices"
)

// Set is filled at startup and read-only afterwards.
type Set struct {
	m map[domain.BackendKind]ports.Backend
}

func NewSet(bs ...ports.Backend) *Set {
	s := &Set{m: make(map[domain.BackendKind]ports.Backend, len(bs))}
	for _, b := range bs {
		s.m[b.Kind()] = b
	}
	return s
}

func (s *Set) Get(kind domain.BackendKind) (ports.Backend, bool) {
	b, ok := s.m[kind]
	return b, ok
}

func (s *Set) Kinds() []domain.BackendKind {
	out := make([]domain.BackendKind, 0, len(s.m))
	for k := range s.m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
