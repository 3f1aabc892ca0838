package train

import "math"

// Schedule is linear warmup followed by cosine decay from Base to Min over
// the remaining steps. Past Total the rate stays at Min.
type Schedule struct {
	Base   float64
	Min    float64
	Warmup int
	Total  int
}

func (s Schedule) At(step int) float64 {
	if s.Warmup > 0 && step < s.Warmup {
		return s.Base * float64(step+1) / float64(s.Warmup)
	}
	if step >= s.Total {
		return s.Min
	}
	span := s.Total - s.Warmup
	if span <= 0 {
		return s.Min
	}
	progress := float64(step-s.Warmup) / float64(span)
	return s.Min + 0.5*(s.Base-s.Min)*(1+math.Cos(math.Pi*progress))
}
