// Package messaging provides a layered, broker-agnostic API for publishing
// and consuming messages.
//
// Brokers are registered on a Hub as prioritized layers. Publishing walks the
// layers in priority order until one succeeds (or broadcasts to all of them),
// and consuming hands the whole session to the first layer whose adapter can
// run it. Business code stays independent from the underlying system (Redis,
// Kafka, RabbitMQ) as long as it relies on the Hub and the Adapter contract.
package messaging
