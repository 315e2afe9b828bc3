package annotation

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	ErrMissingPoints = errors.New("annotation has no points")
	ErrInvalidPoints = errors.New("invalid point list")
)

// ParsePoints parses the comma-delimited wire form of a point list.
func ParsePoints(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrMissingPoints
	}

	fields := strings.Split(s, ",")
	points := make([]float64, 0, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: value %d %q", ErrInvalidPoints, i, f)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: value %d is not finite", ErrInvalidPoints, i)
		}
		points = append(points, v)
	}
	if len(points)%2 != 0 {
		return nil, fmt.Errorf("%w: odd number of values (%d)", ErrInvalidPoints, len(points))
	}
	return points, nil
}

// FormatPoints is the inverse of ParsePoints. Values use the shortest
// representation that parses back to the same float64.
func FormatPoints(points []float64) string {
	var b strings.Builder
	for i, v := range points {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	return b.String()
}
