// Package events publishes best-effort summaries of completed exchanges to
// Redis or RabbitMQ. Delivery failures never reach the caller.
package events
