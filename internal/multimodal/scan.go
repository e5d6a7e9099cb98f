package multimodal

// Static scan orders over an n×n patch grid. Each returns a permutation
// of [0, n²) mapping output position to row-major source index.

// SpiralOrder walks the grid clockwise from the top-left corner inward.
func SpiralOrder(n int) []int {
	order := make([]int, 0, n*n)
	left, right, top, bottom := 0, n-1, 0, n-1
	for left <= right && top <= bottom {
		for col := left; col <= right; col++ {
			order = append(order, top*n+col)
		}
		for row := top + 1; row <= bottom; row++ {
			order = append(order, row*n+right)
		}
		if left < right && top < bottom {
			for col := right - 1; col > left; col-- {
				order = append(order, bottom*n+col)
			}
			for row := bottom; row > top; row-- {
				order = append(order, row*n+left)
			}
		}
		left, right, top, bottom = left+1, right-1, top+1, bottom-1
	}
	return order
}

// SnakeOrder walks rows alternately left-to-right and right-to-left.
func SnakeOrder(n int) []int {
	order := make([]int, 0, n*n)
	for row := 0; row < n; row++ {
		if row%2 == 0 {
			for col := 0; col < n; col++ {
				order = append(order, row*n+col)
			}
		} else {
			for col := n - 1; col >= 0; col-- {
				order = append(order, row*n+col)
			}
		}
	}
	return order
}

// InverseOrder returns the permutation undoing order, so that
// inv[order[i]] == i for every position.
func InverseOrder(order []int) []int {
	inv := make([]int, len(order))
	for i, src := range order {
		inv[src] = i
	}
	return inv
}

// ZigzagOrder walks anti-diagonals alternately up-right and down-left,
// JPEG style.
func ZigzagOrder(n int) []int {
	order := make([]int, 0, n*n)
	goingUp := true
	for d := 0; d < 2*n-1; d++ {
		if goingUp {
			row, col := d, 0
			if d >= n {
				row, col = n-1, d-(n-1)
			}
			for row >= 0 && col < n {
				order = append(order, row*n+col)
				row--
				col++
			}
		} else {
			row, col := 0, d
			if d >= n {
				row, col = d-(n-1), n-1
			}
			for row < n && col >= 0 {
				order = append(order, row*n+col)
				row++
				col--
			}
		}
		goingUp = !goingUp
	}
	return order
}
