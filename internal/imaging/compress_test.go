package imaging_test

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/expensync/internal/imaging"
)

func noise(w, h int) image.Image {
	rng := rand.New(rand.NewSource(42))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(rng.Intn(256)), uint8(rng.Intn(256)), uint8(rng.Intn(256)), 255})
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, img image.Image, q int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}))
	return buf.Bytes()
}

func TestCompressPassThrough(t *testing.T) {
	data := encodeJPEG(t, noise(64, 48), 80)

	res, err := imaging.Compress(data, imaging.DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, data, res.Data)
	assert.Zero(t, res.Quality)
	assert.True(t, res.WithinCap)
}

func TestCompressDownscalesToMaxDimension(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 3000, 1000))
	for x := 0; x < 3000; x++ {
		for y := 0; y < 1000; y++ {
			img.Set(x, y, color.RGBA{uint8(x % 256), uint8(y % 256), 128, 255})
		}
	}

	res, err := imaging.Compress(encodePNG(t, img), imaging.DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, 2048, res.Width)
	assert.Equal(t, 682, res.Height)

	decoded, format, err := image.Decode(bytes.NewReader(res.Data))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 2048, decoded.Bounds().Dx())
}

func TestCompressHalvesResolutionWhenQualityFloorIsNotEnough(t *testing.T) {
	opts := imaging.Options{
		TargetBytes:  20 * 1024,
		MaxDimension: 1024,
		MinDimension: 64,
		StartQuality: 90,
		MinQuality:   40,
		QualityStep:  10,
	}

	res, err := imaging.Compress(encodePNG(t, noise(800, 600)), opts)
	require.NoError(t, err)

	assert.True(t, res.WithinCap)
	assert.LessOrEqual(t, int64(len(res.Data)), opts.TargetBytes)
	assert.Less(t, res.Width, 800)
	assert.GreaterOrEqual(t, res.Width, 64)
	assert.GreaterOrEqual(t, res.Quality, opts.MinQuality)
}

func TestCompressReturnsBestEffortAtFloor(t *testing.T) {
	opts := imaging.Options{
		TargetBytes:  1,
		MaxDimension: 400,
		MinDimension: 150,
		StartQuality: 80,
		MinQuality:   60,
		QualityStep:  20,
	}

	res, err := imaging.Compress(encodePNG(t, noise(400, 300)), opts)
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.False(t, res.WithinCap)
	assert.Equal(t, 200, res.Width, "halved once, the next halving would drop below the minimum")
	assert.Equal(t, 60, res.Quality)
}

func TestCompressFlattensTransparency(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 3000, 10)) // fully transparent

	res, err := imaging.Compress(encodePNG(t, img), imaging.DefaultOptions())
	require.NoError(t, err)

	decoded, err := jpeg.Decode(bytes.NewReader(res.Data))
	require.NoError(t, err)

	r, g, b, _ := decoded.At(5, 2).RGBA()
	assert.Greater(t, r>>8, uint32(240))
	assert.Greater(t, g>>8, uint32(240))
	assert.Greater(t, b>>8, uint32(240))
}

func TestCompressRejectsGarbage(t *testing.T) {
	_, err := imaging.Compress([]byte("definitely not an image"), imaging.DefaultOptions())
	assert.ErrorIs(t, err, imaging.ErrUnsupportedImage)
}

// pngHeader is a PNG that declares w x h but carries no pixel data.
func pngHeader(w, h uint32) []byte {
	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")

	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:], w)
	binary.BigEndian.PutUint32(ihdr[4:], h)
	ihdr[8] = 8 // bit depth
	ihdr[9] = 2 // truecolor

	_ = binary.Write(&buf, binary.BigEndian, uint32(len(ihdr)))
	chunk := append([]byte("IHDR"), ihdr...)
	buf.Write(chunk)
	_ = binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	return buf.Bytes()
}

func TestCompressRejectsOversizedDimensions(t *testing.T) {
	_, err := imaging.Compress(pngHeader(100000, 100000), imaging.DefaultOptions())
	assert.ErrorIs(t, err, imaging.ErrImageTooLarge)

	opts := imaging.DefaultOptions()
	opts.MaxPixels = 64 * 48
	_, err = imaging.Compress(encodePNG(t, noise(65, 48)), opts)
	assert.ErrorIs(t, err, imaging.ErrImageTooLarge)

	_, err = imaging.Compress(encodePNG(t, noise(64, 48)), opts)
	assert.NoError(t, err)
}
