// Package registry owns every node and reference record of one
// process: the table of local objects exposed to peers, the export
// table mapping (node, holder) pairs to handles, and the table of
// references imported from remote owners.
//
// The registry exclusively owns all records. Proxies and stubs hold
// lookup keys into it, never independent ownership. Count transitions
// that cross processes are reflected to the owning side as oneway
// control transactions through a ControlSender.
package registry
