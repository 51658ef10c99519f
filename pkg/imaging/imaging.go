/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package imaging holds the pixel work around the segmentation model:
// decoding the input, turning it into a normalised tensor, turning the
// model's prediction back into an alpha mask, and compositing the result.
//
// Decoded images are turned upright according to their EXIF orientation
// before anything else looks at them. Cutout writes straight alpha: the
// colour of every pixel is kept at full strength and only its alpha comes
// from the mask, rather than compositing the colour against a transparent
// background.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"  // register GIF
	_ "image/jpeg" // register JPEG
	"image/png"

	disimaging "github.com/disintegration/imaging"
	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"  // register BMP
	_ "golang.org/x/image/tiff" // register TIFF
	_ "golang.org/x/image/webp" // register WebP
)

// MaxPixels bounds the decoded size of an input image.
const MaxPixels = 64 << 20

var (
	// ErrUnsupportedImage means the bytes are not a decodable image.
	ErrUnsupportedImage = errors.New("unsupported or corrupt image")

	// ErrTooManyPixels means the image header announces more than MaxPixels.
	ErrTooManyPixels = errors.New("image dimensions too large")
)

// Channel statistics the U^2-Net family was trained with.
var (
	mean = [3]float32{0.485, 0.456, 0.406}
	std  = [3]float32{0.229, 0.224, 0.225}
)

// Decode decodes raw into an image, returning the format name. The image
// is rotated and flipped as its EXIF orientation tag says.
func Decode(raw []byte) (image.Image, string, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, format, fmt.Errorf("%w: %dx%d", ErrTooManyPixels, cfg.Width, cfg.Height)
	}
	img, err := disimaging.Decode(bytes.NewReader(raw), disimaging.AutoOrientation(true))
	if err != nil {
		return nil, format, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	return img, format, nil
}

// opaque returns img with its alpha dropped and colours left
// un-premultiplied.
func opaque(img image.Image) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return img
	}
	b := img.Bounds()
	dst := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			off := dst.PixOffset(x, y)
			dst.Pix[off+0] = c.R
			dst.Pix[off+1] = c.G
			dst.Pix[off+2] = c.B
			dst.Pix[off+3] = 0xff
		}
	}
	return dst
}

// ToTensor resizes img to width x height and returns it as a 1x3xHxW
// NCHW tensor. Pixel values are first scaled by the largest channel
// value in the resized image, then normalised per channel.
func ToTensor(img image.Image, width, height int) []float32 {
	rgba := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(rgba, rgba.Bounds(), opaque(img), img.Bounds(), draw.Src, nil)

	var maxVal uint8
	for i, v := range rgba.Pix {
		if i%4 != 3 && v > maxVal {
			maxVal = v
		}
	}
	scale := float32(maxVal)
	if scale < 1e-6 {
		scale = 1e-6
	}

	plane := width * height
	out := make([]float32, 3*plane)
	for y := range height {
		for x := range width {
			off := rgba.PixOffset(x, y)
			idx := y*width + x
			for c := range 3 {
				v := float32(rgba.Pix[off+c]) / scale
				out[c*plane+idx] = (v - mean[c]) / std[c]
			}
		}
	}
	return out
}

// MaskFromPrediction turns a width x height prediction map into an 8-bit
// mask of outWidth x outHeight. The prediction is min-max normalised
// first, so a constant prediction yields an empty mask.
func MaskFromPrediction(pred []float32, width, height, outWidth, outHeight int) (*image.Gray, error) {
	if len(pred) < width*height {
		return nil, fmt.Errorf("prediction has %d values, need %dx%d", len(pred), width, height)
	}
	pred = pred[:width*height]
	lo, hi := pred[0], pred[0]
	for _, v := range pred {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	small := image.NewGray(image.Rect(0, 0, width, height))
	if span := hi - lo; span > 0 {
		for i, v := range pred {
			small.Pix[i] = uint8((v - lo) / span * 255)
		}
	}
	if width == outWidth && height == outHeight {
		return small, nil
	}
	mask := image.NewGray(image.Rect(0, 0, outWidth, outHeight))
	draw.CatmullRom.Scale(mask, mask.Bounds(), small, small.Bounds(), draw.Src, nil)
	return mask, nil
}

// Cutout keeps the colours of img and takes the alpha from mask, scaled
// by whatever alpha img already had. Colours are not premultiplied by the
// mask. mask must have the size of img.
func Cutout(img image.Image, mask *image.Gray) *image.NRGBA {
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	mb := mask.Bounds()
	for y := range b.Dy() {
		for x := range b.Dx() {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			m := mask.GrayAt(mb.Min.X+x, mb.Min.Y+y).Y
			off := out.PixOffset(x, y)
			out.Pix[off+0] = c.R
			out.Pix[off+1] = c.G
			out.Pix[off+2] = c.B
			out.Pix[off+3] = uint8(uint16(m) * uint16(c.A) / 0xff)
		}
	}
	return out
}

// EncodePNG encodes img as PNG.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode PNG: %w", err)
	}
	return buf.Bytes(), nil
}
