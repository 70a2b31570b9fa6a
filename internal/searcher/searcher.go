package searcher

import "sync"

// Searcher is a reusable execution context for graph traversal. It owns the
// scratch memory of one search so that steady-state queries do not allocate.
//
// Searcher is NOT thread-safe.
type Searcher struct {
	// Visited tracks rows seen during traversal.
	Visited *VisitedSet

	// Frontier is a min-heap of rows still to expand.
	Frontier *PriorityQueue

	// Results is a bounded max-heap holding the best rows found so far.
	Results *PriorityQueue
}

var pool = sync.Pool{
	New: func() any {
		return &Searcher{
			Visited:  NewVisitedSet(1024),
			Frontier: NewPriorityQueue(false),
			Results:  NewPriorityQueue(true),
		}
	},
}

// Get returns a reset Searcher from the pool.
func Get() *Searcher {
	s := pool.Get().(*Searcher)
	s.Reset()
	return s
}

// Put returns s to the pool.
func Put(s *Searcher) {
	pool.Put(s)
}

// Reset clears all scratch state.
func (s *Searcher) Reset() {
	s.Visited.Reset()
	s.Frontier.Reset()
	s.Results.Reset()
}
