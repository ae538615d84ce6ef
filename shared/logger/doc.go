// Copyright 2025 MindLoop
// SPDX-License-Identifier: BUSL-1.1

// Package logger provides structured JSON logging for all MindLoop core
// services.
//
// Every log line is a single JSON object written to stdout so that the
// container runtime can ship it without extra configuration. Entries carry
// the component name, the deployment instance id, and (when available) the
// user and request ids of the request being served, which makes per-request
// traces greppable across components.
//
// Usage:
//
//	log := logger.New("orchestrator")
//	log.Info(userID, requestID, "request served", map[string]interface{}{
//		"capability": "assessment-scoring",
//		"cache_hit":  true,
//	})
package logger
