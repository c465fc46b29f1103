package frame

import (
	"fmt"
	"image"
)

// Image returns an image.Image view of the frame for encoding.
//
// GRAY8 and I420 planes are referenced without copying. NV12 chroma is
// de-interleaved into new Cb/Cr slices.
func (f *Frame) Image() (image.Image, error) {
	if f.Released() {
		return nil, fmt.Errorf("image of frame %d: %w", f.Seq, ErrReleased)
	}
	if f.Width <= 0 || f.Height <= 0 {
		return nil, fmt.Errorf("frame %d: invalid size %dx%d", f.Seq, f.Width, f.Height)
	}

	rect := image.Rect(0, 0, f.Width, f.Height)
	chromaW := (f.Width + 1) / 2
	chromaH := (f.Height + 1) / 2

	switch f.Format {
	case FormatGray8:
		y, err := f.plane(0, f.Width, f.Height)
		if err != nil {
			return nil, err
		}
		return &image.Gray{Pix: y.data, Stride: y.Stride, Rect: rect}, nil

	case FormatI420:
		y, err := f.plane(0, f.Width, f.Height)
		if err != nil {
			return nil, err
		}
		u, err := f.plane(1, chromaW, chromaH)
		if err != nil {
			return nil, err
		}
		v, err := f.plane(2, chromaW, chromaH)
		if err != nil {
			return nil, err
		}
		if u.Stride != v.Stride {
			return nil, fmt.Errorf("frame %d: chroma strides differ (%d, %d)", f.Seq, u.Stride, v.Stride)
		}
		return &image.YCbCr{
			Y:              y.data,
			Cb:             u.data,
			Cr:             v.data,
			YStride:        y.Stride,
			CStride:        u.Stride,
			SubsampleRatio: image.YCbCrSubsampleRatio420,
			Rect:           rect,
		}, nil

	case FormatNV12:
		y, err := f.plane(0, f.Width, f.Height)
		if err != nil {
			return nil, err
		}
		uv, err := f.plane(1, chromaW*2, chromaH)
		if err != nil {
			return nil, err
		}
		cb := make([]byte, chromaW*chromaH)
		cr := make([]byte, chromaW*chromaH)
		for row := 0; row < chromaH; row++ {
			src := uv.data[row*uv.Stride:]
			for col := 0; col < chromaW; col++ {
				cb[row*chromaW+col] = src[col*2]
				cr[row*chromaW+col] = src[col*2+1]
			}
		}
		return &image.YCbCr{
			Y:              y.data,
			Cb:             cb,
			Cr:             cr,
			YStride:        y.Stride,
			CStride:        chromaW,
			SubsampleRatio: image.YCbCrSubsampleRatio420,
			Rect:           rect,
		}, nil

	default:
		return nil, fmt.Errorf("frame %d: unsupported format %s", f.Seq, f.Format)
	}
}

// plane returns plane i after checking it holds rows x width bytes.
func (f *Frame) plane(i, width, rows int) (Plane, error) {
	if i >= len(f.Planes) {
		return Plane{}, fmt.Errorf("frame %d: %s needs plane %d, have %d", f.Seq, f.Format, i, len(f.Planes))
	}
	p := f.Planes[i]
	if p.Stride == 0 {
		p.Stride = width
	}
	if p.Stride < width || len(p.data) < p.Stride*(rows-1)+width {
		return Plane{}, fmt.Errorf("frame %d: plane %d too small (%d bytes, stride %d, need %dx%d)",
			f.Seq, i, len(p.data), p.Stride, width, rows)
	}
	return p, nil
}
