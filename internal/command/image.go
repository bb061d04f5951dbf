package command

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
)

// Encoding of Image.Data.
const EncodingRGB8 = "rgb8"

// Image is a decoded camera frame as interleaved 8-bit RGB rows.
type Image struct {
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Encoding string `json:"encoding"`
	Step     int    `json:"step"`
	Data     []byte `json:"data"`
}

// RGBA converts the frame back into an image.Image, for re-encoding.
func (im *Image) RGBA() *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, im.Width, im.Height))
	for y := 0; y < im.Height; y++ {
		row := im.Data[y*im.Step:]
		for x := 0; x < im.Width; x++ {
			out.SetRGBA(x, y, color.RGBA{R: row[3*x], G: row[3*x+1], B: row[3*x+2], A: 0xff})
		}
	}
	return out
}

// CaptureImage reads the last acquired image and decodes it. The sensor
// serves BMP; PNG and JPEG are accepted too. A decode failure is returned
// as is and the read is not retried.
func (f *Facade) CaptureImage(ctx context.Context) (*Image, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	raw, err := f.client.ReadImage(ctx, f.host, f.password)
	f.metrics.Command("RB", err)
	if err != nil {
		return nil, err
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image (%d bytes): %w", len(raw), err)
	}
	return toRGB8(img), nil
}

func toRGB8(img image.Image) *Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := &Image{
		Width:    w,
		Height:   h,
		Encoding: EncodingRGB8,
		Step:     3 * w,
		Data:     make([]byte, 3*w*h),
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			// straight colour; alpha is dropped
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			i := y*out.Step + 3*x
			out.Data[i] = c.R
			out.Data[i+1] = c.G
			out.Data[i+2] = c.B
		}
	}
	return out
}
