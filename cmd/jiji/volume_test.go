package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVolume_SetThenDisplayRoundTrips(t *testing.T) {
	start := []ChannelVolumes{
		{0x10000, 0x10000},
		{0x10000, 0x8000},
		{0x2000, 0x6000, 0x4000},
		{0, 0},
		{1},
	}
	for _, cv := range start {
		for p := 0; p <= 100; p++ {
			got := cv.ScaleToPercent(p).Percent()
			assert.Equal(t, p, got, "start=%v percent=%d", cv, p)
		}
	}
}

func TestVolume_DisplayRoundsTiesUp(t *testing.T) {
	// 8192/65536 is exactly 12.5%.
	assert.Equal(t, 13, ChannelVolumes{8192}.Percent())
	assert.Equal(t, 100, ChannelVolumes{VolumeNorm}.Percent())
	assert.Equal(t, 0, ChannelVolumes{}.Percent())
}

func TestVolume_ScaleKeepsBalance(t *testing.T) {
	cv := ChannelVolumes{0x10000, 0x8000}
	got := cv.ScaleToPercent(50)
	assert.Equal(t, ChannelVolumes{0x8000, 0x4000}, got)

	// The input is not modified.
	assert.Equal(t, ChannelVolumes{0x10000, 0x8000}, cv)
}

func TestVolume_ScaleAllZeroSetsEveryChannel(t *testing.T) {
	got := ChannelVolumes{0, 0, 0}.ScaleToPercent(25)
	assert.Equal(t, ChannelVolumes{0x4000, 0x4000, 0x4000}, got)
}

func TestVolume_ScaleClampsPercent(t *testing.T) {
	assert.Equal(t, ChannelVolumes{VolumeNorm}, ChannelVolumes{100}.ScaleToPercent(150))
	assert.Equal(t, ChannelVolumes{0}, ChannelVolumes{100}.ScaleToPercent(-3))
}
