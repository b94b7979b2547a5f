package speech

import "math"

// VolumePCM16 returns the RMS level of little-endian signed 16-bit PCM,
// normalized to 0..1.
func VolumePCM16(pcm []byte) float64 {
	var sum float64
	n := 0
	for i := 0; i+1 < len(pcm); i += 2 {
		s := float64(int16(uint16(pcm[i])|uint16(pcm[i+1])<<8)) / 32768.0
		sum += s * s
		n++
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}

// VolumeFloat32 returns the RMS level of float samples in -1..1.
func VolumeFloat32(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
