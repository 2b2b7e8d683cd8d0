// Package main trains a quantization-aware classifier. One process trains on
// one device; with -multiprocessing-distributed it launches one worker per
// device of the node and waits for them. Checkpoints, scalars and the
// progression file are written under -log-name.
package main
