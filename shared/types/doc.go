// Copyright 2025 MindLoop
// SPDX-License-Identifier: BUSL-1.1

// Package types holds the request and response shapes shared by the
// orchestrator and its components.
//
// A Request names a capability (assessment scoring, learning-path
// generation, ...) and carries the caller's UserContext; a Response is the
// normalized result with token usage, cost, routing metadata, and the
// experiment variant that served it. Both are request-scoped values:
// created per call and discarded after the response is returned.
package types
