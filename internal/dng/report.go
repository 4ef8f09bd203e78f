package dng

import "sync"

// RepairReport counts what a bad pixel opcode fixed during its last Apply.
// Tile workers record into it concurrently.
type RepairReport struct {
	mu      sync.Mutex
	summary RepairSummary
}

// RepairSummary is a point-in-time copy of a RepairReport.
type RepairSummary struct {
	Opcode         string  `json:"opcode"`
	Stage          int     `json:"stage"`
	PixelsRepaired int     `json:"pixels_repaired"`
	PixelsFailed   int     `json:"pixels_failed"`
	FailedPoints   []Point `json:"failed_points,omitempty"`
	FailedRects    []Rect  `json:"failed_rects,omitempty"`
}

// Failed reports whether any pixel was left unrepaired.
func (s RepairSummary) Failed() bool { return s.PixelsFailed > 0 }

func (r *RepairReport) reset(id OpcodeID, stage int) {
	r.mu.Lock()
	r.summary = RepairSummary{Opcode: id.String(), Stage: stage}
	r.mu.Unlock()
}

func (r *RepairReport) repaired(n int) {
	if n == 0 {
		return
	}
	r.mu.Lock()
	r.summary.PixelsRepaired += n
	r.mu.Unlock()
}

func (r *RepairReport) failed(n int) {
	if n == 0 {
		return
	}
	r.mu.Lock()
	r.summary.PixelsFailed += n
	r.mu.Unlock()
}

func (r *RepairReport) failedPoint(p Point) {
	r.mu.Lock()
	r.summary.PixelsFailed++
	r.summary.FailedPoints = append(r.summary.FailedPoints, p)
	r.mu.Unlock()
}

func (r *RepairReport) failedRect(rect Rect, pixels int) {
	r.mu.Lock()
	r.summary.PixelsFailed += pixels
	r.summary.FailedRects = append(r.summary.FailedRects, rect)
	r.mu.Unlock()
}

// Summary copies the current counts.
func (r *RepairReport) Summary() RepairSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.summary
	s.FailedPoints = append([]Point(nil), s.FailedPoints...)
	s.FailedRects = append([]Rect(nil), s.FailedRects...)
	return s
}

// Repairer is implemented by opcodes that produce a RepairReport.
type Repairer interface {
	Report() RepairSummary
}

// RepairReports collects the reports of the list's bad pixel opcodes.
func (l *OpcodeList) RepairReports() []RepairSummary {
	var out []RepairSummary
	for _, op := range l.ops {
		if r, ok := op.(Repairer); ok {
			out = append(out, r.Report())
		}
	}
	return out
}
