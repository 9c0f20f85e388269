package lane

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/lane.assist/internal/geom"
)

// Position is the ego vehicle's place relative to the detected lanes.
type Position string

const (
	PositionLeft       Position = "left"
	PositionCenter     Position = "center"
	PositionRight      Position = "right"
	PositionSingleLane Position = "single_lane_detected"
	PositionUnknown    Position = "unknown"
)

// DBSCANParams configures lane point clustering.
type DBSCANParams struct {
	Eps    float64 // neighbourhood radius in pixels, after scaling
	MinPts int     // minimum neighbours, including the point itself
	XScale float64 // horizontal stretch so lanes separate more than rows do
}

// DefaultDBSCANParams returns the clustering parameters used for position
// evaluation.
func DefaultDBSCANParams() DBSCANParams {
	return DBSCANParams{Eps: 100, MinPts: 2, XScale: 3}
}

// EvaluatePosition clusters every curve point into lanes and reports where
// the frame midline falls relative to the cluster centres.
func EvaluatePosition(curves []Curve, width int) Position {
	var pts []geom.Point
	for _, c := range curves {
		pts = append(pts, c.Points...)
	}
	return PositionFromPoints(pts, width, DefaultDBSCANParams())
}

// PositionFromPoints is EvaluatePosition over a raw point set.
func PositionFromPoints(pts []geom.Point, width int, params DBSCANParams) Position {
	if len(pts) < 2 {
		return PositionUnknown
	}

	centres := clusterCentres(pts, params)
	mid := float64(width / 2)

	switch {
	case len(centres) >= 2:
		if mid < centres[0] {
			return PositionLeft
		}
		if mid > centres[len(centres)-1] {
			return PositionRight
		}
		for i := 0; i < len(centres)-1; i++ {
			if centres[i] < mid && mid < centres[i+1] {
				return PositionCenter
			}
		}
		return PositionUnknown
	case len(centres) == 1:
		return PositionSingleLane
	}
	return PositionUnknown
}

// clusterCentres returns the sorted mean x of every cluster with at least
// two members.
func clusterCentres(pts []geom.Point, params DBSCANParams) []float64 {
	labels, n := DBSCAN(pts, params)
	xs := make([][]float64, n+1)
	for i, l := range labels {
		if l > 0 {
			xs[l] = append(xs[l], pts[i].X)
		}
	}
	var centres []float64
	for _, vals := range xs {
		if len(vals) >= 2 {
			centres = append(centres, stat.Mean(vals, nil))
		}
	}
	sort.Float64s(centres)
	return centres
}

// DBSCAN labels each point with its cluster ID (1..n) or -1 for noise and
// returns the number of clusters.
func DBSCAN(pts []geom.Point, params DBSCANParams) ([]int, int) {
	scaled := make([]geom.Point, len(pts))
	for i, p := range pts {
		scaled[i] = geom.Point{X: p.X * params.XScale, Y: p.Y}
	}

	labels := make([]int, len(pts)) // 0=unvisited, -1=noise, >0=clusterID
	clusterID := 0
	for i := range scaled {
		if labels[i] != 0 {
			continue
		}
		neighbors := regionQuery(scaled, i, params.Eps)
		if len(neighbors) < params.MinPts {
			labels[i] = -1
			continue
		}
		clusterID++
		expandCluster(scaled, labels, i, neighbors, clusterID, params)
	}
	return labels, clusterID
}

func expandCluster(pts []geom.Point, labels []int, seedIdx int, neighbors []int, clusterID int, params DBSCANParams) {
	labels[seedIdx] = clusterID
	for j := 0; j < len(neighbors); j++ {
		idx := neighbors[j]
		if labels[idx] == -1 {
			labels[idx] = clusterID // noise becomes border point
		}
		if labels[idx] != 0 {
			continue
		}
		labels[idx] = clusterID
		if more := regionQuery(pts, idx, params.Eps); len(more) >= params.MinPts {
			neighbors = append(neighbors, more...)
		}
	}
}

// regionQuery returns the indices within eps of pts[idx], including idx.
// Lane frames carry at most a few hundred points, so a linear scan is used.
func regionQuery(pts []geom.Point, idx int, eps float64) []int {
	eps2 := eps * eps
	p := pts[idx]
	var out []int
	for i, q := range pts {
		dx, dy := q.X-p.X, q.Y-p.Y
		if dx*dx+dy*dy <= eps2 {
			out = append(out, i)
		}
	}
	return out
}
