// Package task runs orchestration requests asynchronously.
//
// A Service validates and persists submissions, then publishes the task ID to a
// queue. A Processor consumes IDs, claims the task, executes it through the
// orchestrator and records the response. Retryable failures put the task back
// to pending and republish it until MaxRetries attempts have been made.
//
// Stores: MemoryStore, SQLStore (MySQL or SQLite). Queues: MemoryQueue,
// RedisQueue, RabbitMQQueue.
package task
