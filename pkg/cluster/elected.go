package cluster

// FirstWorkerID is the id given to the first spawned worker.
const FirstWorkerID = 1

// ElectedRole decides which worker runs cluster-wide singleton duties such
// as one-time activation hooks and periodic sweeps.
type ElectedRole interface {
	IsElected(workerID int) bool
}

// LowestInitialID elects the worker with the lowest id of the initial roster.
//
// The choice is static: if that worker dies its replacement gets a new id and
// no worker is elected until the whole cluster restarts.
type LowestInitialID struct{}

// IsElected implements ElectedRole.
func (LowestInitialID) IsElected(workerID int) bool {
	return workerID == FirstWorkerID
}

// StaticRole elects exactly the given worker id.
type StaticRole int

// IsElected implements ElectedRole.
func (r StaticRole) IsElected(workerID int) bool {
	return workerID == int(r)
}
