// Package retry provides simple exponential backoff retry logic for transient failures.
//
// # Overview
//
// A minimal retry mechanism with exponential backoff for transient failures in
// broker connections, state store operations, and dispatch.
//
// # Configuration Presets
//
//   - DefaultConfig(): 3 attempts, 100ms-5s delay (normal operations)
//   - Quick(): 10 attempts, 50ms-1s delay (component startup)
//   - Persistent(): 30 attempts, 200ms-10s delay (critical resources)
//
// # Usage
//
// Basic retry with defaults:
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
//	    return sender.Connect(ctx)
//	})
//
// Retry with result:
//
//	bucket, err := retry.DoWithResult(ctx, retry.Quick(), func() (jetstream.KeyValue, error) {
//	    return js.KeyValue(ctx, bucketName)
//	})
//
// # Design Philosophy
//
// This package is intentionally minimal: no circuit breakers, no metrics
// collection, no error classification. The caller decides what to retry, and
// can mark individual errors with NonRetryable to fail fast.
//
// # Context Cancellation
//
// All retry operations respect context cancellation and stop immediately when
// the context is cancelled, either during operation execution or during the
// backoff delay.
package retry
