package types

// LabelDetection is one line of a YOLO-style label file. Geometry is normalized to
// the image size and anchored at the box center.
type LabelDetection struct {
	CategoryIndex int     `json:"category_index"` // Original model output, never rewritten
	CenterX       float64 `json:"center_x"`
	CenterY       float64 `json:"center_y"`
	Width         float64 `json:"width"`
	Height        float64 `json:"height"`
	Reassigned    *int    `json:"reassigned_category_index,omitempty"`
}

// Effective returns the operator's reassignment when present, else the original category.
func (d LabelDetection) Effective() int {
	if d.Reassigned != nil {
		return *d.Reassigned
	}
	return d.CategoryIndex
}

// PixelRect converts the normalized center box into a top-left pixel rectangle.
func (d LabelDetection) PixelRect(w, h int) (x, y, rw, rh float64) {
	fw, fh := float64(w), float64(h)
	rw = d.Width * fw
	rh = d.Height * fh
	x = d.CenterX*fw - rw/2
	y = d.CenterY*fh - rh/2
	return x, y, rw, rh
}

// FromPixelBox builds a normalized label detection from a live pixel bbox
// (x, y, w, h). The box is clipped to the image; ok is false when nothing of it
// lies inside, so callers never see geometry outside [0,1].
func FromPixelBox(class int, bbox [4]float64, imgW, imgH int) (d LabelDetection, ok bool) {
	if imgW <= 0 || imgH <= 0 {
		return LabelDetection{}, false
	}
	fw, fh := float64(imgW), float64(imgH)
	x0 := min(max(bbox[0], 0), fw)
	y0 := min(max(bbox[1], 0), fh)
	x1 := min(max(bbox[0]+bbox[2], 0), fw)
	y1 := min(max(bbox[1]+bbox[3], 0), fh)
	if !(x1 > x0 && y1 > y0) {
		return LabelDetection{}, false
	}
	return LabelDetection{
		CategoryIndex: class,
		CenterX:       (x0 + x1) / 2 / fw,
		CenterY:       (y0 + y1) / 2 / fh,
		Width:         (x1 - x0) / fw,
		Height:        (y1 - y0) / fh,
	}, true
}
