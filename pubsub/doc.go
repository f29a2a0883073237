// Package pubsub implements the messaging core: pattern-based handler
// routing, the event publish path, the consume/acknowledge loop, and
// a request/response RPC protocol. All of it is built on the Broker primitive
// so they can run against RabbitMQ in production and an in-memory
// broker in tests.
package pubsub
