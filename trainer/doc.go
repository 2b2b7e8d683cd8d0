// Package trainer drives the epoch loop of one worker: resume, train,
// validate, track the best metric and checkpoint, in that order, until the
// configured number of epochs is done or a stop is requested.
package trainer
