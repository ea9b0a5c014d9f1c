// Package server implements the master participants that drive a
// deployment: a synchronous server that activates sampled clients round
// by round, and an asynchronous one that serves parameters on demand.
// Aggregation itself lives behind the Handler interface.
package server

import "github.com/sarchlab/shukuba/fed"

// A Handler owns the aggregation logic of a server: which clients join a
// round, what flows down to them, and how their updates fold into the
// global model.
//
// A handler is only ever called from the server's own goroutine.
type Handler interface {
	// SetClients hands the handler the identity universe the handshake
	// found. It is called once, before the first round.
	SetClients(ids []fed.LogicalID)

	// SampleClients returns the logical ids joining the round.
	SampleClients(round int) []fed.LogicalID

	// Downlink returns the tensors pushed to the round's clients.
	Downlink(round int) []fed.Tensor

	// Absorb folds one client update into the round. It reports true once
	// the round has absorbed enough updates.
	Absorb(round int, sender fed.Rank, payload []fed.Tensor) (bool, error)

	// Rounds returns the number of rounds the deployment runs.
	Rounds() int
}
