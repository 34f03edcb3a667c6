// Package bufpool is the pooled frame buffer allocator behind the
// client's poolBuffers option (SPEC_FULL §6 configuration surface): a
// sync.Pool of byte slices bucketed by size class, so a connection
// reading many small control frames does not churn the same
// allocation size on every read.
package bufpool

import "sync"

// sizeClasses are the bucket ceilings a Get request is rounded up to.
// Matches the shape of frames the wire codec actually sees: a bare
// 24-byte header, a header plus small control extras, and a generous
// ceiling for mutation values.
var sizeClasses = []int{
	memdHeaderLen,
	1024,
	16 * 1024,
	256 * 1024,
}

const memdHeaderLen = 24

var pools = makePools()

func makePools() []*sync.Pool {
	pools := make([]*sync.Pool, len(sizeClasses))
	for i, size := range sizeClasses {
		size := size
		pools[i] = &sync.Pool{
			New: func() any { return make([]byte, size) },
		}
	}
	return pools
}

func classFor(n int) int {
	for i, size := range sizeClasses {
		if n <= size {
			return i
		}
	}
	return -1
}

// Get returns a buffer of at least n bytes, sliced to length n. Oversized
// requests (beyond the largest size class) allocate directly and are
// never pooled.
func Get(n int) []byte {
	class := classFor(n)
	if class < 0 {
		return make([]byte, n)
	}
	buf := pools[class].Get().([]byte)
	return buf[:n]
}

// Put returns buf to its size class for reuse. Passing a buffer not
// obtained from Get (e.g. one grown past its class's capacity) is
// safe — it is simply dropped rather than pooled, determined by
// capacity rather than length so a resliced buffer still matches its
// originating class.
func Put(buf []byte) {
	class := classFor(cap(buf))
	if class < 0 || cap(buf) != sizeClasses[class] {
		return
	}
	// re-grow to the pool's full bucket size before returning so the
	// next Get sees the class's advertised capacity.
	pools[class].Put(buf[:cap(buf)])
}
