package main

// VolumeNorm is the native amplitude for 100% (PA_VOLUME_NORM).
const VolumeNorm uint32 = 0x10000

// ChannelVolumes is a per-channel native amplitude vector.
type ChannelVolumes []uint32

// Max returns the loudest channel, or 0 for an empty vector.
func (cv ChannelVolumes) Max() uint32 {
	var m uint32
	for _, v := range cv {
		if v > m {
			m = v
		}
	}
	return m
}

// Percent returns the displayed percentage of the loudest channel.
// Rounds to nearest with ties up, as pa_volume_snprint does.
func (cv ChannelVolumes) Percent() int {
	return displayPercent(cv.Max())
}

func displayPercent(v uint32) int {
	return int(float64(v)*100/float64(VolumeNorm) + 0.5)
}

// percentToNative converts a percentage to native units. Uses the same
// rounding as displayPercent so displaying the result yields percent again.
func percentToNative(percent int) uint32 {
	return uint32(float64(percent)*float64(VolumeNorm)/100 + 0.5)
}

// ScaleToPercent returns a copy of cv whose loudest channel displays as
// percent. The other channels keep their ratio to the loudest channel.
func (cv ChannelVolumes) ScaleToPercent(percent int) ChannelVolumes {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	target := percentToNative(percent)

	out := make(ChannelVolumes, len(cv))
	m := cv.Max()
	if m == 0 {
		for i := range out {
			out[i] = target
		}
		return out
	}
	for i, v := range cv {
		out[i] = uint32(float64(v)*float64(target)/float64(m) + 0.5)
	}
	return out
}
