package compositor

import (
	"bytes"
	"image"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encode(t *testing.T, img image.Image, f imaging.Format) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, f))
	return buf.Bytes()
}

func solid(w, h int, c color.Color) image.Image {
	return imaging.New(w, h, c)
}

func TestComposePreservesFormat(t *testing.T) {
	wm := encode(t, solid(10, 10, color.NRGBA{255, 0, 0, 255}), imaging.PNG)

	cases := []struct {
		format      imaging.Format
		name        string
		contentType string
	}{
		{imaging.JPEG, "jpeg", "image/jpeg"},
		{imaging.PNG, "png", "image/png"},
		{imaging.GIF, "gif", "image/gif"},
	}
	c := New(Placement{}, 90)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			src := encode(t, solid(40, 30, color.NRGBA{0, 0, 255, 255}), tc.format)
			res, err := c.Compose(src, wm)
			require.NoError(t, err)
			assert.Equal(t, tc.name, res.Format)
			assert.Equal(t, tc.contentType, res.ContentType)

			cfg, format, err := image.DecodeConfig(bytes.NewReader(res.Bytes))
			require.NoError(t, err)
			assert.Equal(t, tc.name, format)
			assert.Equal(t, 40, cfg.Width)
			assert.Equal(t, 30, cfg.Height)
		})
	}
}

func TestComposeCentersWatermark(t *testing.T) {
	src := encode(t, solid(40, 40, color.NRGBA{0, 0, 255, 255}), imaging.PNG)
	wm := encode(t, solid(10, 10, color.NRGBA{255, 0, 0, 255}), imaging.PNG)

	res, err := New(Placement{}, 90).Compose(src, wm)
	require.NoError(t, err)

	out, err := imaging.Decode(bytes.NewReader(res.Bytes))
	require.NoError(t, err)

	r, _, b, _ := out.At(20, 20).RGBA()
	assert.Greater(t, r>>8, uint32(0xf0))
	assert.Less(t, b>>8, uint32(0x10))

	r, _, b, _ = out.At(2, 2).RGBA()
	assert.Less(t, r>>8, uint32(0x10))
	assert.Greater(t, b>>8, uint32(0xf0))
}

func TestComposeBottomRightWithScale(t *testing.T) {
	src := encode(t, solid(100, 50, color.NRGBA{0, 0, 255, 255}), imaging.PNG)
	wm := encode(t, solid(10, 10, color.NRGBA{255, 0, 0, 255}), imaging.PNG)

	c := New(Placement{Anchor: AnchorBottomRight, Margin: 5, Scale: 0.2}, 90)
	res, err := c.Compose(src, wm)
	require.NoError(t, err)

	out, err := imaging.Decode(bytes.NewReader(res.Bytes))
	require.NoError(t, err)

	// watermark scaled to 20x20 and placed at (75,25)-(95,45)
	r, _, _, _ := out.At(85, 35).RGBA()
	assert.Greater(t, r>>8, uint32(0xf0))
	r, _, _, _ = out.At(97, 47).RGBA()
	assert.Less(t, r>>8, uint32(0x10))
}

func TestComposeIsDeterministic(t *testing.T) {
	src := encode(t, solid(64, 48, color.NRGBA{10, 200, 30, 255}), imaging.JPEG)
	wm := encode(t, solid(16, 16, color.NRGBA{255, 255, 255, 128}), imaging.PNG)

	c := New(Placement{Opacity: 0.5}, 85)
	a, err := c.Compose(src, wm)
	require.NoError(t, err)
	b, err := c.Compose(src, wm)
	require.NoError(t, err)
	assert.Equal(t, a.Bytes, b.Bytes)
}

func TestComposeRejectsUndecodableInput(t *testing.T) {
	good := encode(t, solid(8, 8, color.White), imaging.PNG)
	c := New(Placement{}, 90)

	_, err := c.Compose([]byte("%PDF-1.4"), good)
	var ce *CompositionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "source", ce.Input)
	assert.ErrorIs(t, err, ErrUndecodable)

	_, err = c.Compose(good, []byte("not an image"))
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "watermark", ce.Input)
	assert.ErrorIs(t, err, ErrUndecodable)
}

func TestParseAnchor(t *testing.T) {
	a, err := ParseAnchor("")
	require.NoError(t, err)
	assert.Equal(t, AnchorCenter, a)

	a, err = ParseAnchor("Bottom-Right")
	require.NoError(t, err)
	assert.Equal(t, AnchorBottomRight, a)

	_, err = ParseAnchor("middle")
	assert.Error(t, err)
}
