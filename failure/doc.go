// Package failure classifies the errors a training run can end with and decides
// which of them are fatal and which exit status they map to.
package failure
