package puzzle

import (
	"image"
	"image/color"
	"math"
)

// EdgeMap is a binary edge image.
type EdgeMap struct {
	W, H int
	Pix  []bool
}

// Count returns the number of edge pixels.
func (e *EdgeMap) Count() int {
	n := 0
	for _, p := range e.Pix {
		if p {
			n++
		}
	}
	return n
}

// Contour is an external contour reduced to what selection needs.
type Contour struct {
	Bounds image.Rectangle
	Pixels int
}

const (
	tan22 = 0.41421356 // tan(22.5°)
	tan67 = 2.41421356 // tan(67.5°)
)

// grayPlane converts img to a row-major luminance plane.
func grayPlane(img image.Image) ([]float64, int, int) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			g := color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
			plane[y*w+x] = float64(g.Y)
		}
	}
	return plane, w, h
}

// Canny runs Sobel gradients (L1 magnitude), non-maximum suppression and
// hysteresis thresholding over img.
func Canny(img image.Image, low, high float64) *EdgeMap {
	plane, w, h := grayPlane(img)
	if low > high {
		low, high = high, low
	}

	px := func(x, y int) float64 {
		x = clamp(x, 0, w-1)
		y = clamp(y, 0, h-1)
		return plane[y*w+x]
	}

	gx := make([]float64, w*h)
	gy := make([]float64, w*h)
	mag := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx := px(x+1, y-1) + 2*px(x+1, y) + px(x+1, y+1) -
				px(x-1, y-1) - 2*px(x-1, y) - px(x-1, y+1)
			dy := px(x-1, y+1) + 2*px(x, y+1) + px(x+1, y+1) -
				px(x-1, y-1) - 2*px(x, y-1) - px(x+1, y-1)
			i := y*w + x
			gx[i], gy[i] = dx, dy
			mag[i] = math.Abs(dx) + math.Abs(dy)
		}
	}

	m := func(x, y int) float64 {
		if x < 0 || y < 0 || x >= w || y >= h {
			return 0
		}
		return mag[y*w+x]
	}

	// 0 = suppressed, 1 = weak, 2 = strong
	class := make([]uint8, w*h)
	var stack []int
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			v := mag[i]
			if v <= low {
				continue
			}
			ax, ay := math.Abs(gx[i]), math.Abs(gy[i])

			var n1, n2 float64
			switch {
			case ay <= ax*tan22:
				n1, n2 = m(x-1, y), m(x+1, y)
			case ay > ax*tan67:
				n1, n2 = m(x, y-1), m(x, y+1)
			case (gx[i] > 0) == (gy[i] > 0):
				n1, n2 = m(x-1, y-1), m(x+1, y+1)
			default:
				n1, n2 = m(x+1, y-1), m(x-1, y+1)
			}
			if v <= n1 || v < n2 {
				continue
			}

			if v > high {
				class[i] = 2
				stack = append(stack, i)
			} else {
				class[i] = 1
			}
		}
	}

	edges := &EdgeMap{W: w, H: h, Pix: make([]bool, w*h)}
	for _, i := range stack {
		edges.Pix[i] = true
	}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		x, y := i%w, i/w
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				nx, ny := x+dx, y+dy
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				j := ny*w + nx
				if class[j] == 1 && !edges.Pix[j] {
					edges.Pix[j] = true
					stack = append(stack, j)
				}
			}
		}
	}
	return edges
}

// ExternalContours returns the outermost 8-connected edge components in
// raster order of their first pixel. Components enclosed by another
// component's hole are skipped.
func ExternalContours(e *EdgeMap) []Contour {
	w, h := e.W, e.H
	if w == 0 || h == 0 {
		return nil
	}

	// Background reachable from the image border.
	outside := make([]bool, w*h)
	var queue []int
	push := func(x, y int) {
		i := y*w + x
		if !e.Pix[i] && !outside[i] {
			outside[i] = true
			queue = append(queue, i)
		}
	}
	for x := 0; x < w; x++ {
		push(x, 0)
		push(x, h-1)
	}
	for y := 0; y < h; y++ {
		push(0, y)
		push(w-1, y)
	}
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		x, y := i%w, i/w
		if x > 0 {
			push(x-1, y)
		}
		if x < w-1 {
			push(x+1, y)
		}
		if y > 0 {
			push(x, y-1)
		}
		if y < h-1 {
			push(x, y+1)
		}
	}

	isOutside := func(x, y int) bool {
		if x < 0 || y < 0 || x >= w || y >= h {
			return true
		}
		return outside[y*w+x]
	}

	seen := make([]bool, w*h)
	var contours []Contour
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			start := y*w + x
			if !e.Pix[start] || seen[start] {
				continue
			}

			minX, minY, maxX, maxY := x, y, x, y
			external := false
			count := 0
			seen[start] = true
			stack := []int{start}
			for len(stack) > 0 {
				i := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				cx, cy := i%w, i/w
				count++
				minX, maxX = min(minX, cx), max(maxX, cx)
				minY, maxY = min(minY, cy), max(maxY, cy)
				if !external && (isOutside(cx-1, cy) || isOutside(cx+1, cy) ||
					isOutside(cx, cy-1) || isOutside(cx, cy+1)) {
					external = true
				}
				for dy := -1; dy <= 1; dy++ {
					for dx := -1; dx <= 1; dx++ {
						nx, ny := cx+dx, cy+dy
						if nx < 0 || ny < 0 || nx >= w || ny >= h {
							continue
						}
						j := ny*w + nx
						if e.Pix[j] && !seen[j] {
							seen[j] = true
							stack = append(stack, j)
						}
					}
				}
			}

			if external {
				contours = append(contours, Contour{
					Bounds: image.Rect(minX, minY, maxX+1, maxY+1),
					Pixels: count,
				})
			}
		}
	}
	return contours
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
