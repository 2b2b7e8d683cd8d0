// Package topology bootstraps the process topology of a training run.
//
// A run is either a single process, a set of processes that attach to an
// existing rendezvous (rank and world size given on the command line or in
// the environment), or a launcher that spawns one worker per device of this
// node. Every worker ends up with exactly one WorkerContext and, when the
// world is larger than one, a Group connected to the rendezvous store hosted
// by rank 0.
package topology
