/*
Package queuemon defines how durable, at-least-once message queues expose
themselves to a metrics pipeline, and ships two queues that do.

Metrics (pkg/metrics):
  - Registry: idempotent counter and gauge lookup by name and tags
  - MemoryRegistry, PrometheusRegistry, OTelRegistry backends

Queues (pkg/queue):
  - MonitoredQueue: the base operations plus depth and poll-time accessors
  - Monitor: cached counter handles and one-time gauge registration
  - memory: in-process queue with exact depths
  - redisq: Redis queue driven by Lua scripts
  - consumer: poll loop with worker goroutines
  - sweeper: cron-scheduled redelivery sweeps

Every monitored queue exports:

	queue.pushed.messages          counter
	queue.acknowledged.messages    counter
	queue.retried.messages         counter
	queue.dead.messages            counter
	queue.depth                    gauge
	unacked.depth                  gauge
	last.poll.age                  gauge, ms
	last.redelivery.check.age      gauge, ms

Example usage:

	import (
		"github.com/vnykmshr/queuemon/pkg/metrics"
		"github.com/vnykmshr/queuemon/pkg/queue"
		"github.com/vnykmshr/queuemon/pkg/queue/memory"
	)

	config := queue.DefaultConfig()
	config.Registry = metrics.NewPrometheusRegistry(nil, "", nil)
	q, err := memory.NewWithConfig("orders", config)
	if err != nil {
		return err // the metric names collide with something already registered
	}
	id, _ := q.Push(ctx, payload, 0)

See examples/metrics for a full process with a consumer, a sweeper and a
/metrics endpoint.
*/
package queuemon
