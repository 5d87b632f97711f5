package tray

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/png"
	"runtime"
)

const iconSize = 32

var iconData = buildIcon(runtime.GOOS)

// buildIcon draws the tray icon: a filled circle with concentric arcs. On
// Windows the PNG is wrapped in an ICO container.
func buildIcon(goos string) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, iconSize, iconSize))
	fg := color.NRGBA{R: 0x1b, G: 0x7f, B: 0x3b, A: 0xff}
	c := float64(iconSize-1) / 2
	for y := 0; y < iconSize; y++ {
		for x := 0; x < iconSize; x++ {
			dx, dy := float64(x)-c, float64(y)-c
			d2 := dx*dx + dy*dy
			switch {
			case d2 <= 16:
				img.Set(x, y, fg)
			case dx > 0 && (d2 >= 64 && d2 <= 100 || d2 >= 169 && d2 <= 225):
				img.Set(x, y, fg)
			}
		}
	}

	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	if goos != "windows" {
		return buf.Bytes()
	}
	return wrapICO(buf.Bytes())
}

// wrapICO returns a single-image ICO holding a PNG.
func wrapICO(pngData []byte) []byte {
	var buf bytes.Buffer
	// ICONDIR
	binary.Write(&buf, binary.LittleEndian, [3]uint16{0, 1, 1})
	// ICONDIRENTRY
	buf.Write([]byte{iconSize, iconSize, 0, 0})
	binary.Write(&buf, binary.LittleEndian, [2]uint16{1, 32})
	binary.Write(&buf, binary.LittleEndian, [2]uint32{uint32(len(pngData)), 6 + 16})
	buf.Write(pngData)
	return buf.Bytes()
}
