/*
Package queue defines the monitoring contract for durable, at-least-once
message queues.

A queue that wants to be observed implements MonitoredQueue: the base Queue
operations, the read-only State accessors, and a Monitor that owns its counter
handles. The Monitor registers four gauges and four counters:

	queue.depth                    messages enqueued, including ones not yet due
	unacked.depth                  messages delivered but not yet acked or failed
	last.poll.age                  ms since the last delivery cycle
	last.redelivery.check.age      ms since the last redelivery sweep
	queue.pushed.messages          successful pushes
	queue.acknowledged.messages    successful acks
	queue.retried.messages         redelivery attempts
	queue.dead.messages            messages handed to the dead-letter path

A timestamp that was never set is measured from the Unix epoch, so a queue that
never polled reports a very large age instead of an error.

Usage:

	state := &myState{}
	mon := queue.NewMonitor("orders", state, metrics.NewMemoryRegistry())
	if err := mon.RegisterGauges(); err != nil {
		return err
	}
	mon.Pushed()

Queue implementations keep their depths in a DepthTracker and their cycle times
in PollTrackers so gauges can be read without taking the queue's lock.
*/
package queue
