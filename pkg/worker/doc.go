// Package worker provides a generic, thread-safe worker pool for concurrent task processing.
//
// # Overview
//
// The worker package implements the mapper's one-task-per-inbound-message
// scheduling model:
//   - Generic type support for type-safe work processing
//   - Bounded queues with backpressure (non-blocking submit, full queue drops)
//   - Context-aware cancellation and graceful shutdown
//   - Always-on atomic statistics plus optional Prometheus metrics
//
// # Usage
//
// Each inbound broker message becomes one work item; the processor runs the
// full per-message pipeline:
//
//	type messageTask struct {
//	    Tenant  string
//	    Topic   string
//	    Payload []byte
//	}
//
//	pool := worker.NewPool(10, 1000, func(ctx context.Context, task messageTask) error {
//	    return svc.processMessage(ctx, task)
//	})
//
//	if err := pool.Start(ctx); err != nil {
//	    return err
//	}
//	defer pool.Stop(5 * time.Second)
//
//	_ = pool.Submit(messageTask{Tenant: tenant, Topic: topic, Payload: raw})
//
// # Backpressure
//
// Submit never blocks. When the queue is full the work item is dropped, the
// drop is counted, and ErrQueueFull is returned so the transport layer can
// decide whether to nack or log. Workers are I/O- and script-evaluation-bound,
// so the worker count bounds concurrent sandbox executions as well.
//
// # Observability
//
// Statistics are always tracked with atomic counters and exposed via Stats().
// Pass WithMetricsRegistry to additionally publish queue depth, throughput,
// failure, and latency metrics to Prometheus.
package worker
