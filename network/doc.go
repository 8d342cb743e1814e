// Package network provides transports for consensus nodes.
// This package implements:
// - ZeroMQ ROUTER/DEALER transport
// - Per-peer FIFO inbound lanes
// - In-process memory network for tests and demos
package network
