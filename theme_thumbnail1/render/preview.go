// SPDX-FileCopyrightText: 2024 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package render

import (
	"hash/fnv"
	"image"
	"image/color"
	"image/draw"
	_ "image/png"
	"os"
	"path/filepath"

	xdraw "golang.org/x/image/draw"

	"github.com/linuxdeepin/dde-theme-thumbnail/theme_thumbnail1/protocol"
)

const (
	folderIconName = "folder"
	folderIconSize = 48
	fallbackTheme  = "hicolor"

	titleBarHeight = 18
	frameWidth     = 2
	iconMargin     = 5
)

var neutralColor = color.NRGBA{R: 0xc0, G: 0xc0, B: 0xc0, A: 0xff}

// Preview draws a window frame in the wm theme colours around a body in the
// control theme colours and puts the icon theme's folder icon in the bottom
// right corner.
type Preview struct {
	iconDirs []string
}

// NewPreview looks icons up in iconDirs, or in IconThemeDirs if iconDirs is empty.
func NewPreview(iconDirs []string) *Preview {
	if len(iconDirs) == 0 {
		iconDirs = IconThemeDirs()
	}
	return &Preview{iconDirs: iconDirs}
}

func (p *Preview) Render(req protocol.Request) (*protocol.Raster, error) {
	raster := Placeholder()
	img := raster.Image()
	bounds := img.Bounds()

	body := themeColor(req.ControlTheme, 0x80)
	frame := themeColor(req.WMTheme, 0x40)
	draw.Draw(img, bounds, image.NewUniform(frame), image.Point{}, draw.Src)
	inner := image.Rect(frameWidth, titleBarHeight, bounds.Dx()-frameWidth, bounds.Dy()-frameWidth)
	draw.Draw(img, inner, image.NewUniform(body), image.Point{}, draw.Src)

	button := image.Rect(inner.Min.X+iconMargin, inner.Min.Y+iconMargin,
		inner.Min.X+iconMargin+40, inner.Min.Y+iconMargin+16)
	draw.Draw(img, button, image.NewUniform(shade(body)), image.Point{}, draw.Src)

	icon := p.loadFolderIcon(req.IconTheme)
	if icon != nil {
		ib := icon.Bounds()
		at := image.Rect(inner.Max.X-ib.Dx()-iconMargin, inner.Max.Y-ib.Dy()-iconMargin,
			inner.Max.X-iconMargin, inner.Max.Y-iconMargin)
		draw.Draw(img, at, icon, ib.Min, draw.Over)
	}
	return raster, nil
}

func (p *Preview) loadFolderIcon(theme string) image.Image {
	for _, name := range []string{theme, fallbackTheme} {
		themeDir, ok := FindTheme(p.iconDirs, name)
		if !ok {
			continue
		}
		for _, file := range folderIconCandidates(themeDir) {
			img, err := decodeImage(file)
			if err != nil {
				if !os.IsNotExist(err) {
					logger.Debugf("decode icon %q failed: %v", file, err)
				}
				continue
			}
			return scaleIcon(img)
		}
	}
	return nil
}

func folderIconCandidates(themeDir string) []string {
	file := folderIconName + ".png"
	return []string{
		filepath.Join(themeDir, "48x48", "places", file),
		filepath.Join(themeDir, "places", "48", file),
		filepath.Join(themeDir, "48", "places", file),
	}
}

func decodeImage(file string) (image.Image, error) {
	fh, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	img, _, err := image.Decode(fh)
	return img, err
}

func scaleIcon(img image.Image) image.Image {
	b := img.Bounds()
	if b.Dx() == folderIconSize && b.Dy() == folderIconSize {
		return img
	}
	dst := image.NewNRGBA(image.Rect(0, 0, folderIconSize, folderIconSize))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), img, b, xdraw.Over, nil)
	return dst
}

// themeColor derives a stable colour from name, every channel at least floor.
func themeColor(name string, floor uint8) color.NRGBA {
	if name == "" {
		return neutralColor
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	sum := h.Sum32()
	span := 0x100 - uint32(floor)
	return color.NRGBA{
		R: floor + uint8((sum>>16&0xff)%span),
		G: floor + uint8((sum>>8&0xff)%span),
		B: floor + uint8((sum&0xff)%span),
		A: 0xff,
	}
}

func shade(c color.NRGBA) color.NRGBA {
	return color.NRGBA{R: c.R / 4 * 3, G: c.G / 4 * 3, B: c.B / 4 * 3, A: c.A}
}
