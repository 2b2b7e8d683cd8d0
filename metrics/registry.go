package metrics

import (
	"sort"
	"sync"
)

// Point is the latest value of one scalar.
type Point struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Step  int     `json:"step"`
}

// Registry keeps the latest value of every scalar in memory. It is a Sink and
// is what the progression file and the dashboard read from.
type Registry struct {
	mu     sync.Mutex
	points map[string]Point
}

func NewRegistry() *Registry {
	return &Registry{points: make(map[string]Point)}
}

func (r *Registry) AddScalar(name string, value float64, step int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.points[name] = Point{Name: name, Value: value, Step: step}
}

// Get returns the latest point recorded under name.
func (r *Registry) Get(name string) (Point, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.points[name]
	return p, ok
}

// Snapshot returns all points sorted by name.
func (r *Registry) Snapshot() []Point {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Point, 0, len(r.points))
	for _, p := range r.points {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Close() error { return nil }
