package calibration

import "deltacal/pkg/kinematics"

// Probe locations are indexed PointA..PointC for the spots directly
// under the towers and PointAntiA..PointAntiC for the spots
// diametrically opposite them.
const (
	PointA = iota
	PointB
	PointC
	PointAntiA
	PointAntiB
	PointAntiC
	numPoints
)

// Point is one probe location on the bed.
type Point struct {
	Name string
	X, Y float64
}

// center is the shared reference location.
var center = Point{Name: "CT", X: 0, Y: 0}

// Points returns the probe locations for the given circle radius. The
// first three sit under towers A, B and C, the last three opposite
// them on the far side of the bed.
func Points(radius float64) [numPoints]Point {
	px := 0.8660254 * radius // sin 60
	py := 0.5 * radius       // cos 60
	return [numPoints]Point{
		PointA:     {Name: "A", X: -px, Y: -py},
		PointB:     {Name: "B", X: px, Y: -py},
		PointC:     {Name: "C", X: 0, Y: radius},
		PointAntiA: {Name: "-A", X: px, Y: py},
		PointAntiB: {Name: "-B", X: -px, Y: py},
		PointAntiC: {Name: "-C", X: 0, Y: -radius},
	}
}

// half returns the same bearing at half the radius.
func half(p Point) Point {
	return Point{Name: p.Name + "/2", X: p.X / 2, Y: p.Y / 2}
}

// antiOf maps a tower to the probe location opposite it.
func antiOf(tower int) int { return tower + 3 }

// surveyOrder sweeps the probe circle counterclockwise starting under
// tower A, 60 degrees per hop, so successive moves stay short.
var surveyOrder = [numPoints]int{PointA, PointAntiC, PointB, PointAntiA, PointC, PointAntiB}

// midpoints lists the two probe locations flanking each tower. During
// angle correction the right hand one is probed first.
var midpoints = [3]struct{ right, left int }{
	kinematics.TowerA: {right: PointAntiC, left: PointAntiB},
	kinematics.TowerB: {right: PointAntiA, left: PointAntiC},
	kinematics.TowerC: {right: PointAntiB, left: PointAntiA},
}
