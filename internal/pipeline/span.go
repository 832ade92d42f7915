package pipeline

// Span is the slice of a run's overall [0,100] progress owned by one
// stage. Spans are fixed when the pipeline is built and together cover
// the full range with no gaps or overlap.
type Span struct {
	Lo float64
	Hi float64
}

// Width returns the share of overall progress the span represents.
func (s Span) Width() float64 { return s.Hi - s.Lo }

// Map converts a local 0..1 fraction into the span's range. Out-of-range
// fractions clamp so a misbehaving stage cannot push overall progress
// outside its span.
func (s Span) Map(local float64) float64 {
	if local < 0 {
		local = 0
	}
	if local > 1 {
		local = 1
	}
	return s.Lo + local*(s.Hi-s.Lo)
}

// Local converts an intra-stage counter to a 0..1 fraction. A
// non-positive total yields 0.
func Local(current, total int) float64 {
	if total <= 0 {
		return 0
	}
	f := float64(current) / float64(total)
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// Percent is Local scaled to 0..100, the value progress events carry in
// their payload.
func Percent(current, total int) float64 {
	return Local(current, total) * 100
}
