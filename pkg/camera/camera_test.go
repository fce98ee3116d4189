package camera

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeatures(t *testing.T) {
	cfgs := map[string]Config{
		"front": {IndexOrPath: "0", Width: 640, Height: 480, FPS: 30},
		"wrist": {IndexOrPath: "/dev/video2", Width: 320, Height: 240, FPS: 15},
	}

	got := Features(cfgs)
	assert.Equal(t, map[string][3]int{
		"front": {480, 640, 3},
		"wrist": {240, 320, 3},
	}, got)
	assert.Equal(t, []string{"front", "wrist"}, Names(cfgs))
}

func TestConfig_Index(t *testing.T) {
	idx, ok := Config{IndexOrPath: "2"}.Index()
	assert.True(t, ok)
	assert.Equal(t, 2, idx)

	_, ok = Config{IndexOrPath: "/dev/video0"}.Index()
	assert.False(t, ok)
}

func TestConfig_Validate(t *testing.T) {
	assert.Empty(t, Config{IndexOrPath: "0", Width: 640, Height: 480, FPS: 30}.Validate())
	assert.Len(t, Config{}.Validate(), 3)

	err := ValidateAll(map[string]Config{"front": {IndexOrPath: "0", Width: 640, Height: 480}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "front: fps")
}

func TestFrame_ImageAndCrop(t *testing.T) {
	f := NewFrame(4, 3)
	require.True(t, f.Valid())

	// pixel (x=2, y=1) red
	i := (1*4 + 2) * Channels
	f.Pix[i] = 255

	img := f.Image()
	r, g, b, a := img.At(2, 1).RGBA()
	assert.Equal(t, uint32(0xFFFF), r)
	assert.Zero(t, g)
	assert.Zero(t, b)
	assert.Equal(t, uint32(0xFFFF), a)

	crop := f.Crop(image.Rect(2, 1, 10, 10))
	assert.Equal(t, [3]int{2, 2, 3}, crop.Shape())
	assert.Equal(t, byte(255), crop.Pix[0])
	assert.True(t, crop.Valid())
}
