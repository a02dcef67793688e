// SPDX-FileCopyrightText: 2024 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package protocol

import (
	"fmt"
	"image"
	"image/draw"
	"io"

	"golang.org/x/xerrors"
)

// Raster is one rendered thumbnail, non-premultiplied RGBA, row-major,
// without padding between rows.
type Raster [RasterSize]byte

func (r *Raster) Row(i int) []byte {
	return r[i*RowSize : (i+1)*RowSize]
}

// Image returns an image sharing the raster's memory.
func (r *Raster) Image() *image.NRGBA {
	return &image.NRGBA{
		Pix:    r[:],
		Stride: RowSize,
		Rect:   image.Rect(0, 0, ThumbnailWidth, ThumbnailHeight),
	}
}

// RasterFromImage copies the top-left ThumbnailWidth x ThumbnailHeight area of img.
func RasterFromImage(img image.Image) *Raster {
	var r Raster
	b := img.Bounds()
	if src, ok := img.(*image.NRGBA); ok {
		// draw.Draw would round-trip through premultiplied alpha
		width := b.Dx()
		if width > ThumbnailWidth {
			width = ThumbnailWidth
		}
		for y := 0; y < ThumbnailHeight && y < b.Dy(); y++ {
			off := src.PixOffset(b.Min.X, b.Min.Y+y)
			copy(r.Row(y), src.Pix[off:off+width*BytesPerPixel])
		}
		return &r
	}
	draw.Draw(r.Image(), image.Rect(0, 0, ThumbnailWidth, ThumbnailHeight), img, b.Min, draw.Src)
	return &r
}

// WriteRaster writes the raster one row at a time.
func WriteRaster(w io.Writer, r *Raster) error {
	for i := 0; i < ThumbnailHeight; i++ {
		_, err := w.Write(r.Row(i))
		if err != nil {
			return xerrors.Errorf("write row %d: %w", i, err)
		}
	}
	return nil
}

// ReadRaster reads exactly RasterSize bytes. A stream that ends early yields
// ErrShortResponse and no raster.
func ReadRaster(rd io.Reader) (*Raster, error) {
	var r Raster
	for i := 0; i < ThumbnailHeight; i++ {
		n, err := io.ReadFull(rd, r.Row(i))
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("%w: got %d of %d bytes: %w",
				ErrShortResponse, i*RowSize+n, RasterSize, err)
		}
	}
	return &r, nil
}
