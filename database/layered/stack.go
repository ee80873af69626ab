package layered

// layerStack is a copy-on-write cache of pending writes organized as an
// ordered list of generations. Only the newest generation (the top) may
// be written to; all older generations are read-only. A lookup consults
// the generations newest-first, so later writes shadow earlier ones.
type layerStack[K comparable, V any] struct {
	layers []map[K]V // ordered oldest first, the last one is the mutable top
}

func newLayerStack[K comparable, V any]() *layerStack[K, V] {
	return &layerStack[K, V]{layers: []map[K]V{{}}}
}

// Get returns the most recent value cached for the given key. The second
// return value distinguishes a cached value (which may be a tombstone)
// from the key being absent from all generations.
func (s *layerStack[K, V]) Get(key K) (V, bool) {
	for i := len(s.layers) - 1; i >= 0; i-- {
		if value, exists := s.layers[i][key]; exists {
			return value, true
		}
	}
	var none V
	return none, false
}

// Put caches a value in the top generation, shadowing any older value.
func (s *layerStack[K, V]) Put(key K, value V) {
	s.layers[len(s.layers)-1][key] = value
}

// Push opens a new empty top generation; the previous top becomes
// read-only.
func (s *layerStack[K, V]) Push() {
	s.layers = append(s.layers, map[K]V{})
}

// Drop discards the top generation. Dropping the only generation clears
// it instead, so the stack never becomes empty.
func (s *layerStack[K, V]) Drop() {
	if len(s.layers) == 1 {
		s.layers[0] = map[K]V{}
		return
	}
	s.layers = s.layers[:len(s.layers)-1]
}

// Merge folds the top generation into the one below it, the top's
// values winning over older ones. It is a no-op on a single generation.
func (s *layerStack[K, V]) Merge() {
	if len(s.layers) == 1 {
		return
	}
	top := s.layers[len(s.layers)-1]
	below := s.layers[len(s.layers)-2]
	for key, value := range top {
		below[key] = value
	}
	s.layers = s.layers[:len(s.layers)-1]
}

// Collapse produces a single mapping equal to merging all generations
// from the oldest up to and including the given level, later generations
// overriding earlier ones. The stack itself is not modified.
func (s *layerStack[K, V]) Collapse(uptoLevel int) map[K]V {
	res := map[K]V{}
	for i := 0; i <= uptoLevel && i < len(s.layers); i++ {
		for key, value := range s.layers[i] {
			res[key] = value
		}
	}
	return res
}

// Depth returns the number of generations.
func (s *layerStack[K, V]) Depth() int {
	return len(s.layers)
}

// ForEach visits every cached key exactly once with its most recent
// value; definitions shadowed by newer generations are suppressed.
// No key ordering is guaranteed.
func (s *layerStack[K, V]) ForEach(visit func(K, V)) {
	seen := map[K]struct{}{}
	for i := len(s.layers) - 1; i >= 0; i-- {
		for key, value := range s.layers[i] {
			if _, exists := seen[key]; exists {
				continue
			}
			seen[key] = struct{}{}
			visit(key, value)
		}
	}
}

// Clear resets the stack to a single empty generation.
func (s *layerStack[K, V]) Clear() {
	s.layers = []map[K]V{{}}
}

// Size returns the total number of cached definitions over all
// generations, shadowed ones included.
func (s *layerStack[K, V]) Size() int {
	size := 0
	for _, layer := range s.layers {
		size += len(layer)
	}
	return size
}
