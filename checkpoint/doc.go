// Package checkpoint persists and restores training run state.
//
// A checkpoint is a single lzw compressed JSON document holding the run
// metadata, the serialized model parameters and the optimizer state, guarded
// by a sha256 digest. Two files are kept per run prefix: the latest state and
// the best state seen so far. Files are replaced atomically and never edited
// in place, so a crash during a save leaves the previous file intact.
package checkpoint
