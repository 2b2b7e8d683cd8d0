// Package model declares what the training loop needs from a classifier and
// resolves architecture names through an ordered list of namespaces.
package model
