// Package viseme defines the animation cue model and the client contract
// of the external viseme/subtitle service.
package viseme

// ID is one of the 15 Oculus lip-sync viseme ids.
type ID int

const (
	Sil ID = iota // silence
	PP            // p, b, m
	FF            // f, v
	TH            // th
	DD            // t, d
	KK            // k, g
	CH            // ch, j, sh
	SS            // s, z
	NN            // n, l
	RR            // r
	AA            // a as in "father"
	E             // e as in "bed"
	IH            // i as in "sit"
	OH            // o as in "go"
	OU            // u as in "boot"
)

var idNames = [...]string{"sil", "PP", "FF", "TH", "DD", "kk", "CH", "SS", "nn", "RR", "aa", "E", "ih", "oh", "ou"}

func (id ID) String() string {
	if id < Sil || id > OU {
		return "unknown"
	}
	return idNames[id]
}

// Valid reports whether id is in the Oculus range.
func (id ID) Valid() bool {
	return id >= Sil && id <= OU
}

// Cue is one timed mouth shape. Offset is milliseconds from audio start.
type Cue struct {
	Viseme ID      `json:"visemeId"`
	Offset float64 `json:"time"`
	Weight float64 `json:"weight"`
}

// Subtitle is one timed caption span in milliseconds.
type Subtitle struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Result is the cue data computed for one audio request. Results are
// immutable once delivered; consumers replace their displayed set with them.
type Result struct {
	RequestID string     `json:"id"`
	Visemes   []Cue      `json:"visemes"`
	Subtitles []Subtitle `json:"subtitles"`
}

// Duration returns the end of the last cue or subtitle in milliseconds.
func (r Result) Duration() float64 {
	var end float64
	for _, c := range r.Visemes {
		if c.Offset > end {
			end = c.Offset
		}
	}
	for _, s := range r.Subtitles {
		if s.End > end {
			end = s.End
		}
	}
	return end
}
