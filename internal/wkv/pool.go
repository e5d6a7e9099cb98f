package wkv

import (
	"runtime"
	"sync"
)

// runLanes executes fn(lane) for every lane in [0, lanes), spreading
// contiguous chunks across GOMAXPROCS goroutines. Lanes are independent
// (batch, head) pairs; time order inside a lane stays with its goroutine.
func runLanes(lanes int, fn func(lane int)) {
	workers := runtime.GOMAXPROCS(0)
	if workers > lanes {
		workers = lanes
	}
	if workers <= 1 {
		for lane := 0; lane < lanes; lane++ {
			fn(lane)
		}
		return
	}

	chunk := (lanes + workers - 1) / workers
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		start := w * chunk
		end := min(start+chunk, lanes)
		if start >= end {
			break
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for lane := start; lane < end; lane++ {
				fn(lane)
			}
		}(start, end)
	}
	wg.Wait()
}
