// Package schedule derives the learning-rate multiplier and the per-layer
// quantization bit-widths of a training run as pure functions of the epoch.
//
// A Chain composes a warmup ramp, a decay schedule (cosine or multi-step) and
// an independent bit-width decay. Chains only move forward through Step; a
// chain fast-forwarded to epoch e is indistinguishable from one built at e.
package schedule
