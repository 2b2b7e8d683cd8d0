// Package metrics holds the online mean accumulator used by training and
// validation and the sinks that scalar metrics are written to.
package metrics
