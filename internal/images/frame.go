package images

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"
	"strings"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
	_ "golang.org/x/image/webp"
)

const jpegQuality = 90

// Decode decodes any supported image format (JPEG, PNG, GIF, BMP, WebP).
func Decode(data []byte) (image.Image, string, error) {
	return image.Decode(bytes.NewReader(data))
}

// Letterbox scales src to fit inside w×h, preserving aspect ratio, centered on
// a black canvas.
func Letterbox(src image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.Black, image.Point{}, draw.Src)

	sb := src.Bounds()
	if sb.Dx() == 0 || sb.Dy() == 0 {
		return dst
	}
	scale := min(float64(w)/float64(sb.Dx()), float64(h)/float64(sb.Dy()))
	fw := max(1, int(float64(sb.Dx())*scale+0.5))
	fh := max(1, int(float64(sb.Dy())*scale+0.5))
	x0 := (w - fw) / 2
	y0 := (h - fh) / 2

	draw.CatmullRom.Scale(dst, image.Rect(x0, y0, x0+fw, y0+fh), src, sb, draw.Over, nil)
	return dst
}

// WriteJPEG encodes img to path.
func WriteJPEG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}

// TitleCard renders title as white centered text on a black w×h frame.
func TitleCard(title string, w, h int) (*image.RGBA, error) {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.Black, image.Point{}, draw.Src)

	ttf, err := opentype.Parse(gobold.TTF)
	if err != nil {
		return nil, fmt.Errorf("parse font: %w", err)
	}

	margin := w / 10
	// Shrink the font until the wrapped title fits.
	for size := float64(h) / 8; size >= 12; size *= 0.85 {
		face, err := opentype.NewFace(ttf, &opentype.FaceOptions{Size: size, DPI: 72, Hinting: font.HintingFull})
		if err != nil {
			return nil, fmt.Errorf("font face: %w", err)
		}
		lines := wrap(face, title, w-2*margin)
		lineHeight := face.Metrics().Height.Ceil()
		if lineHeight*len(lines) > h-2*margin && size*0.85 >= 12 {
			face.Close()
			continue
		}

		d := &font.Drawer{Dst: dst, Src: image.NewUniform(color.White), Face: face}
		ascent := face.Metrics().Ascent.Ceil()
		y := (h-lineHeight*len(lines))/2 + ascent
		for _, line := range lines {
			lw := d.MeasureString(line).Ceil()
			d.Dot = fixed.P((w-lw)/2, y)
			d.DrawString(line)
			y += lineHeight
		}
		face.Close()
		break
	}
	return dst, nil
}

// wrap greedily breaks s into lines no wider than maxWidth. A single word
// wider than maxWidth gets its own line.
func wrap(face font.Face, s string, maxWidth int) []string {
	words := strings.Fields(s)
	if len(words) == 0 {
		return nil
	}
	var lines []string
	line := words[0]
	for _, word := range words[1:] {
		candidate := line + " " + word
		if font.MeasureString(face, candidate).Ceil() > maxWidth {
			lines = append(lines, line)
			line = word
			continue
		}
		line = candidate
	}
	return append(lines, line)
}
