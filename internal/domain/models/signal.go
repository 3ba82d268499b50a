package models

import "time"

// Signal is a producer's directional view: Direction in {-1,0,1},
// Confidence in [0,1].
type Signal struct {
	Direction  int     `json:"direction"`
	Confidence float64 `json:"confidence"`
}

// Hold is the neutral signal.
var Hold = Signal{}

// Clamp forces the signal into its valid domain.
func (s Signal) Clamp() Signal {
	switch {
	case s.Direction > 0:
		s.Direction = 1
	case s.Direction < 0:
		s.Direction = -1
	}
	if s.Confidence < 0 || s.Confidence != s.Confidence {
		s.Confidence = 0
	}
	if s.Confidence > 1 {
		s.Confidence = 1
	}
	return s
}

// Regime is an externally scored market state; Score in [0,1].
type Regime struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	State     string    `json:"state"`
	Score     float64   `json:"score"`
}
