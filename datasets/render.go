package datasets

import "math"

// Vehicle is a car seen from the ego car. X is its lateral position and Y its
// longitudinal offset from the ego car (positive ahead), both in feet.
type Vehicle struct {
	X, Y          float64
	Width, Length float64
}

// Scene is what a frame shows: the ego car at the center, the lanes and the
// other vehicles.
type Scene struct {
	Ego    Vehicle
	Others []Vehicle
}

// Renderer draws scenes into frames [3, Height, Width]. The road runs along
// the height, ahead is up.
type Renderer struct {
	Height, Width int

	// LaneWidth in feet, and the number of lanes of the road.
	LaneWidth float64
	Lanes     int

	// PixelsPerFoot is the frame scale.
	PixelsPerFoot float64
}

// NewRenderer returns a renderer whose width spans the whole road.
func NewRenderer(height, width, lanes int) Renderer {
	const laneWidth = 12.0
	return Renderer{
		Height:        height,
		Width:         width,
		LaneWidth:     laneWidth,
		Lanes:         lanes,
		PixelsPerFoot: float64(width) / (laneWidth * float64(lanes)),
	}
}

// LaneCenter returns the lateral position of the center of lane i.
func (r Renderer) LaneCenter(i int) float64 {
	return (float64(i) + 0.5) * r.LaneWidth
}

// Render draws the scene into dst, which must have 3*Height*Width values.
func (r Renderer) Render(scene Scene, dst []float32) {
	clear(dst)
	plane := r.Height * r.Width
	red, green, blue := dst[:plane], dst[plane:2*plane], dst[2*plane:3*plane]

	// Lane markings.
	for k := 0; k <= r.Lanes; k++ {
		c := r.column(float64(k)*r.LaneWidth, scene.Ego.X)
		if c < 0 || c >= r.Width {
			continue
		}
		for row := 0; row < r.Height; row++ {
			red[row*r.Width+c] = 1
		}
	}
	for _, v := range scene.Others {
		r.fill(green, v, scene.Ego.X)
	}
	ego := scene.Ego
	ego.Y = 0
	r.fill(blue, ego, scene.Ego.X)
}

// column maps a lateral position to a pixel column, the ego car at the center.
func (r Renderer) column(x, egoX float64) int {
	return int(math.Floor(float64(r.Width)/2 + (x-egoX)*r.PixelsPerFoot))
}

// row maps a longitudinal offset to a pixel row.
func (r Renderer) row(y float64) int {
	return int(math.Floor(float64(r.Height)/2 - y*r.PixelsPerFoot))
}

// fill sets the pixels covered by v in the channel.
func (r Renderer) fill(channel []float32, v Vehicle, egoX float64) {
	c0 := max(r.column(v.X-v.Width/2, egoX), 0)
	c1 := min(r.column(v.X+v.Width/2, egoX), r.Width-1)
	r0 := max(r.row(v.Y+v.Length/2), 0)
	r1 := min(r.row(v.Y-v.Length/2), r.Height-1)
	for row := r0; row <= r1; row++ {
		for c := c0; c <= c1; c++ {
			channel[row*r.Width+c] = 1
		}
	}
}

// Costs returns the proximity and lane costs of a scene, both in [0, 1].
//
// Proximity grows linearly from 0 at the safety distance (which increases
// with speed) to 1 when a vehicle in the ego car's lane touches it. The lane
// cost grows from 0 at a lane center to 1 on a marking.
func (r Renderer) Costs(scene Scene, speed float64) (proximity, lane float64) {
	ego := scene.Ego
	safe := 1.5*math.Abs(speed) + 3
	for _, v := range scene.Others {
		if math.Abs(v.X-ego.X) >= (ego.Width+v.Width)/2 {
			continue
		}
		gap := math.Abs(v.Y) - (ego.Length+v.Length)/2
		proximity = math.Max(proximity, clamp01(1-gap/safe))
	}
	offset := math.Mod(ego.X, r.LaneWidth)
	if offset < 0 {
		offset += r.LaneWidth
	}
	lane = clamp01(math.Abs(offset-r.LaneWidth/2) / (r.LaneWidth / 2))
	return
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}
