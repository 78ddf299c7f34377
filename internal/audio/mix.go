package audio

// Smoothstep returns the smoothstep interpolation for t in [0,1].
// Formula: 3t^2 - 2t^3.
func Smoothstep(t float64) float64 {
	if t <= 0 {
		return 0
	}
	if t >= 1 {
		return 1
	}
	return t * t * (3 - 2*t)
}

// FadeOutGain returns the gain for a smoothstep fade-out at the given progress
// (0.0 = full level, 1.0 = silent).
func FadeOutGain(progress float64) float64 {
	return 1 - Smoothstep(progress)
}

// MixInto adds src scaled by gain onto dst, clipping to the int16 range.
// Only min(len(dst), len(src)) samples are touched.
func MixInto(dst, src []int16, gain float64) {
	n := len(dst)
	if len(src) < n {
		n = len(src)
	}
	for i := 0; i < n; i++ {
		mixed := float64(dst[i]) + float64(src[i])*gain
		if mixed > 32767 {
			mixed = 32767
		} else if mixed < -32768 {
			mixed = -32768
		}
		dst[i] = int16(mixed)
	}
}
