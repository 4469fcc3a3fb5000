package fusion

import "math"

const iouEps = 1e-9

// intersect returns the overlap rectangle of a and b (zero-area when they
// are disjoint) and union returns their minimal enclosing rectangle.
func intersect(a, b Rect) Rect {
	x0 := math.Max(a.X, b.X)
	y0 := math.Max(a.Y, b.Y)
	x1 := math.Min(a.X+a.W, b.X+b.W)
	y1 := math.Min(a.Y+a.H, b.Y+b.H)
	if x1 <= x0 || y1 <= y0 {
		return Rect{}
	}
	return Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}

func enclosing(a, b Rect) Rect {
	x0 := math.Min(a.X, b.X)
	y0 := math.Min(a.Y, b.Y)
	x1 := math.Max(a.X+a.W, b.X+b.W)
	y1 := math.Max(a.Y+a.H, b.Y+b.H)
	return Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}

// IoU is intersection area over union area, zero for degenerate inputs.
func IoU(a, b Rect) float64 {
	inter := intersect(a, b).Area()
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// CIoU penalises IoU with the normalised center distance and an
// aspect-ratio mismatch term:
//
//	CIoU = IoU − centerDist²/diag² − v·α
//
// where diag is the enclosing rectangle's diagonal,
// v = (4/π²)·(atan(w₁/h₁) − atan(w₂/h₂))² and α = v/(1 − IoU + v + ε).
// The result is in (−1.5, 1]; disjoint far-apart boxes go negative.
func CIoU(a, b Rect) float64 {
	inter := intersect(a, b).Area()
	union := a.Area() + b.Area() - inter
	iou := inter / (union + iouEps)

	enc := enclosing(a, b)
	c2 := enc.W*enc.W + enc.H*enc.H + iouEps

	dx := a.X + a.W/2 - b.X - b.W/2
	dy := a.Y + a.H/2 - b.Y - b.H/2
	centerDist := dx*dx + dy*dy

	v := (4 / (math.Pi * math.Pi)) * math.Pow(math.Atan(a.W/a.H)-math.Atan(b.W/b.H), 2)
	alpha := v / (1 - iou + v + iouEps)
	return iou - (centerDist/c2 + v*alpha)
}

// DIoU penalises IoU with half the raw squared center distance.
func DIoU(a, b Rect) float64 {
	inter := intersect(a, b).Area()
	union := a.Area() + b.Area() - inter
	iou := inter / (union + iouEps)

	dx := a.X + a.W/2 - b.X - b.W/2
	dy := a.Y + a.H/2 - b.Y - b.H/2
	return iou - (dx*dx+dy*dy)/2
}

// GIoU penalises IoU by the normalised dead area of the enclosure.
func GIoU(a, b Rect) float64 {
	inter := intersect(a, b).Area()
	union := a.Area() + b.Area() - inter
	iou := inter / (union + iouEps)
	enc := enclosing(a, b).Area()
	return iou - (enc-union)/(enc+iouEps)
}

// EIoU splits the aspect penalty into separate width and height terms.
func EIoU(a, b Rect) float64 {
	inter := intersect(a, b).Area()
	union := a.Area() + b.Area() - inter
	iou := inter / (union + iouEps)

	enc := enclosing(a, b)
	c2 := enc.W*enc.W + enc.H*enc.H + iouEps
	cw2 := enc.W*enc.W + iouEps
	ch2 := enc.H*enc.H + iouEps

	dx := a.X + a.W/2 - b.X - b.W/2
	dy := a.Y + a.H/2 - b.Y - b.H/2
	centerDist := dx*dx + dy*dy
	wDist := (a.W - b.W) * (a.W - b.W)
	hDist := (a.H - b.H) * (a.H - b.H)
	return iou - (centerDist/c2 + wDist/cw2 + hDist/ch2)
}
