package labelsession

import (
	"bufio"
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/dj-oyu/chickeye-monitor/pkg/types"
)

// ParseLabels reads "categoryIndex centerX centerY width height" lines.
// Blank lines are skipped; anything else that does not parse is an error.
func ParseLabels(name string, data []byte) ([]types.LabelDetection, error) {
	var dets []types.LabelDetection
	sc := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 5 {
			return nil, fmt.Errorf("%w: %s:%d: want 5 fields, got %d", ErrMalformedLabel, name, line, len(fields))
		}
		class, err := strconv.Atoi(fields[0])
		if err != nil || class < 0 {
			return nil, fmt.Errorf("%w: %s:%d: bad category %q", ErrMalformedLabel, name, line, fields[0])
		}
		var geom [4]float64
		for i, f := range fields[1:] {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: %s:%d: bad value %q", ErrMalformedLabel, name, line, f)
			}
			geom[i] = v
		}
		if err := checkGeometry(geom); err != nil {
			return nil, fmt.Errorf("%w: %s:%d: %v", ErrMalformedLabel, name, line, err)
		}
		dets = append(dets, types.LabelDetection{
			CategoryIndex: class,
			CenterX:       geom[0],
			CenterY:       geom[1],
			Width:         geom[2],
			Height:        geom[3],
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return dets, nil
}

// checkGeometry requires normalized geometry: every value in [0,1].
func checkGeometry(g [4]float64) error {
	for _, v := range g {
		if v < 0 || v > 1 {
			return fmt.Errorf("value %v outside [0,1]", v)
		}
	}
	return nil
}

// FormatLabels writes one line per detection using the effective category.
// Floats use the shortest representation that round-trips.
func FormatLabels(dets []types.LabelDetection) []byte {
	var buf bytes.Buffer
	for _, d := range dets {
		buf.WriteString(strconv.Itoa(d.Effective()))
		for _, v := range [4]float64{d.CenterX, d.CenterY, d.Width, d.Height} {
			buf.WriteByte(' ')
			buf.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}
