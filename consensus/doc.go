// Package consensus provides a single-round majority commit protocol.
// This package implements:
// - Proposal, Acknowledgment and Commit messages with a compact wire codec
// - Per-node state machine with a fixed transition table
// - Acknowledgment tracking with majority evaluation
// - Node composing the above behind a pluggable Transport
package consensus
