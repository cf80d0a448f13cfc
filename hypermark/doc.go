// Package hypermark provides the building blocks of an end-to-end encrypted,
// multi-device bookmark sync system.
//
// Devices pair directly with each other over an untrusted signaling channel
// and agree on a shared Ledger Encryption Key. Bookmark changes replicate as
// encrypted events through untrusted relays; a last-writer-wins ledger on
// each device resolves conflicts so all replicas converge regardless of
// delivery order. The Device type in this package wires the pieces together;
// the subpackages are usable on their own.
package hypermark
