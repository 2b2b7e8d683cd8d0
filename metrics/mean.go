package metrics

// Mean is an online weighted mean. The zero value is ready to use.
type Mean struct {
	sum   float64
	count float64
	last  float64
}

// Add records value with weight n (usually the batch size). Non-positive
// weights are ignored.
func (m *Mean) Add(value float64, n int) {
	if n <= 0 {
		return
	}
	m.sum += value * float64(n)
	m.count += float64(n)
	m.last = value
}

// Mean returns the running mean, 0 before the first Add.
func (m *Mean) Mean() float64 {
	if m.count == 0 {
		return 0
	}
	return m.sum / m.count
}

// Last returns the most recently added value.
func (m *Mean) Last() float64 { return m.last }
