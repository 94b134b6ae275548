// Package wire defines the transaction envelope exchanged between
// processes: the target addressing model, control opcodes, and the
// fixed binary layout used by every transport.
package wire
