// Copyright 2025 MindLoop
// SPDX-License-Identifier: BUSL-1.1

package experiment

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// assignmentKeyPrefix namespaces assignment hashes in a shared Redis.
const assignmentKeyPrefix = "mindloop:assignments:"

// RedisAssignmentStore keeps one Redis hash per experiment, one field per
// user, so assignments survive restarts and are shared across instances.
type RedisAssignmentStore struct {
	client *redis.Client
}

// NewRedisAssignmentStore creates a store and verifies connectivity.
func NewRedisAssignmentStore(ctx context.Context, client *redis.Client) (*RedisAssignmentStore, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisAssignmentStore{client: client}, nil
}

// Get returns the stored assignment, or nil. A corrupt field is deleted
// and treated as absent so the user just gets reassigned.
func (s *RedisAssignmentStore) Get(ctx context.Context, experimentID, userID string) (*Assignment, error) {
	key := assignmentKeyPrefix + experimentID
	raw, err := s.client.HGet(ctx, key, userID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis assignment get: %w", err)
	}

	var assignment Assignment
	if err := json.Unmarshal([]byte(raw), &assignment); err != nil {
		s.client.HDel(ctx, key, userID)
		return nil, nil
	}
	return &assignment, nil
}

// Put stores the assignment.
func (s *RedisAssignmentStore) Put(ctx context.Context, assignment *Assignment) error {
	data, err := json.Marshal(assignment)
	if err != nil {
		return fmt.Errorf("marshal assignment: %w", err)
	}
	key := assignmentKeyPrefix + assignment.ExperimentID
	if err := s.client.HSet(ctx, key, assignment.UserID, data).Err(); err != nil {
		return fmt.Errorf("redis assignment put: %w", err)
	}
	return nil
}

// DeleteExperiment drops all assignments for an ended experiment.
func (s *RedisAssignmentStore) DeleteExperiment(ctx context.Context, experimentID string) error {
	return s.client.Del(ctx, assignmentKeyPrefix+experimentID).Err()
}

// Close releases the Redis connection.
func (s *RedisAssignmentStore) Close() error { return s.client.Close() }
