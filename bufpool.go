package gridlink

import "sync"

// bufPool hands out append-ready byte slices in a few fixed size classes so
// the sender's batch buffers and the receive path don't churn the allocator.
type bufPool struct {
	sizes       []int
	pools       []sync.Pool
	indexBySize map[int]int
}

func newBufPool(sizes []int) *bufPool {
	bp := &bufPool{
		sizes:       sizes,
		pools:       make([]sync.Pool, len(sizes)),
		indexBySize: make(map[int]int, len(sizes)),
	}
	for i, sz := range sizes {
		size := sz
		bp.pools[i].New = func() any {
			return make([]byte, 0, size)
		}
		bp.indexBySize[sz] = i
	}
	return bp
}

// class picks the first bucket whose capacity covers n bytes.
func (bp *bufPool) class(n int) int {
	for i, sz := range bp.sizes {
		if n <= sz {
			return i
		}
	}
	return -1
}

// get returns an empty slice with capacity at least n, falling back to an
// exact allocation when n exceeds the largest bucket.
func (bp *bufPool) get(n int) []byte {
	if i := bp.class(n); i >= 0 {
		return bp.pools[i].Get().([]byte)[:0]
	}
	return make([]byte, 0, n)
}

// put returns a buffer to its bucket. Capacities that never came from a
// bucket are dropped so the pools stay bounded.
func (bp *bufPool) put(b []byte) {
	if i, ok := bp.indexBySize[cap(b)]; ok {
		bp.pools[i].Put(b[:0:bp.sizes[i]])
	}
}
