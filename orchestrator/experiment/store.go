// Copyright 2025 MindLoop
// SPDX-License-Identifier: BUSL-1.1

package experiment

import (
	"context"
	"sync"
)

// AssignmentStore persists sticky assignments. Get returns (nil, nil)
// when no assignment exists.
type AssignmentStore interface {
	Get(ctx context.Context, experimentID, userID string) (*Assignment, error)
	Put(ctx context.Context, assignment *Assignment) error
	DeleteExperiment(ctx context.Context, experimentID string) error
	Close() error
}

// MemoryAssignmentStore is an in-process AssignmentStore.
type MemoryAssignmentStore struct {
	mu          sync.RWMutex
	assignments map[string]map[string]Assignment // experimentID -> userID -> assignment
}

// NewMemoryAssignmentStore creates an empty store.
func NewMemoryAssignmentStore() *MemoryAssignmentStore {
	return &MemoryAssignmentStore{
		assignments: make(map[string]map[string]Assignment),
	}
}

// Get returns the stored assignment, or nil.
func (s *MemoryAssignmentStore) Get(_ context.Context, experimentID, userID string) (*Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if users, ok := s.assignments[experimentID]; ok {
		if a, ok := users[userID]; ok {
			copied := a
			return &copied, nil
		}
	}
	return nil, nil
}

// Put stores the assignment.
func (s *MemoryAssignmentStore) Put(_ context.Context, assignment *Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	users, ok := s.assignments[assignment.ExperimentID]
	if !ok {
		users = make(map[string]Assignment)
		s.assignments[assignment.ExperimentID] = users
	}
	users[assignment.UserID] = *assignment
	return nil
}

// DeleteExperiment drops all assignments for an ended experiment.
func (s *MemoryAssignmentStore) DeleteExperiment(_ context.Context, experimentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.assignments, experimentID)
	return nil
}

// Close is a no-op.
func (s *MemoryAssignmentStore) Close() error { return nil }
