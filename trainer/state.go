package trainer

// TrainingState is the mutable run state of one worker. The orchestrator owns
// it and hands out copies.
type TrainingState struct {
	// Epoch counts completed epochs.
	Epoch      int
	GlobalStep int
	// BestMetric never decreases.
	BestMetric float64
	// IsBest is set when the last completed epoch improved BestMetric.
	IsBest bool
}

// observe records the metric of a completed epoch. Only a strictly greater
// metric counts as an improvement.
func (s *TrainingState) observe(metric float64) {
	s.IsBest = metric > s.BestMetric
	if s.IsBest {
		s.BestMetric = metric
	}
}
