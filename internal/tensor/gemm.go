package tensor

import (
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// The tile size is chosen once from the cache geometry reported by
// cpuid: a tile of B rows should stay resident in L1d while a block of
// A rows streams past it.
var tileCols = 32

func init() {
	l1 := cpuid.CPU.Cache.L1D
	if l1 <= 0 {
		l1 = 32 << 10
	}
	// Half the L1 for the B tile, assuming 4-byte elements and rows of a
	// few hundred channels. Clamp to keep the loop shapes sane.
	rows := (l1 / 2) / (4 * 512)
	if rows < 8 {
		rows = 8
	}
	if rows > 64 {
		rows = 64
	}
	tileCols = rows
}

type gemmTask struct {
	c, a, b *Mat
	rs, re  int
	done    chan struct{}
}

type gemmPool struct {
	size      int
	tasks     chan gemmTask
	doneSlots chan chan struct{}
}

func newGemmPool() *gemmPool {
	size := runtime.GOMAXPROCS(0)
	if size < 1 {
		size = 1
	}
	p := &gemmPool{
		size:      size,
		tasks:     make(chan gemmTask, size*2),
		doneSlots: make(chan chan struct{}, size),
	}
	for i := 0; i < size; i++ {
		p.doneSlots <- make(chan struct{}, 1)
	}
	for w := 0; w < size; w++ {
		go func() {
			for task := range p.tasks {
				matMulTRange(task.c, task.a, task.b, task.rs, task.re)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

var gemmWorkPool = newGemmPool()

// MatMulT computes C = A * Bᵀ where A is (M, K), B is (N, K) and C is
// (M, N), parallelising across ranges of output rows. Storing B with its
// reduction axis contiguous makes every inner product a scan of two
// contiguous rows, which is the layout linear-layer weights use.
func MatMulT(c, a, b *Mat) {
	if a.C != b.C || c.R != a.R || c.C != b.R {
		panic("tensor: matmul dimension mismatch")
	}
	if c.R == 0 || c.C == 0 {
		return
	}

	workers := runtime.GOMAXPROCS(0)
	if workers > c.R {
		workers = c.R
	}
	if workers > gemmWorkPool.size {
		workers = gemmWorkPool.size
	}
	if workers <= 1 {
		matMulTRange(c, a, b, 0, c.R)
		return
	}

	chunk := (c.R + workers - 1) / workers
	done := <-gemmWorkPool.doneSlots
	for w := 0; w < workers; w++ {
		rs := w * chunk
		re := min(rs+chunk, c.R)
		gemmWorkPool.tasks <- gemmTask{c: c, a: a, b: b, rs: rs, re: re, done: done}
	}
	for i := 0; i < workers; i++ {
		<-done
	}
	gemmWorkPool.doneSlots <- done
}

// matMulTRange fills rows [rs, re) of C, blocking over rows of B so the
// active tile stays cache resident.
func matMulTRange(c, a, b *Mat, rs, re int) {
	k := a.C
	for j0 := 0; j0 < b.R; j0 += tileCols {
		jMax := min(j0+tileCols, b.R)
		for i := rs; i < re; i++ {
			aRow := a.Data[i*a.Stride : i*a.Stride+k]
			cRow := c.Data[i*c.Stride : i*c.Stride+c.C]
			for j := j0; j < jMax; j++ {
				bRow := b.Data[j*b.Stride : j*b.Stride+k]
				cRow[j] = dot(aRow, bRow)
			}
		}
	}
}

func dot(a, b []float32) float32 {
	var s0, s1, s2, s3 float32
	n := len(a)
	i := 0
	for ; i+3 < n; i += 4 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}
	for ; i < n; i++ {
		s0 += a[i] * b[i]
	}
	return s0 + s1 + s2 + s3
}

// LinearInto applies a bias-free linear layer with weight w of shape
// (out, in) to every (b, t) row of x, writing into dst.
func LinearInto(dst, x *Seq, w *Mat) {
	if x.C != w.C || dst.C != w.R || dst.B != x.B || dst.T != x.T {
		panic("tensor: linear dimension mismatch")
	}
	dm := dst.AsMat()
	xm := x.AsMat()
	MatMulT(&dm, &xm, w)
}
