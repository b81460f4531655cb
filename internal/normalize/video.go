package normalize

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"strconv"
)

// PixelFormat names a raw video layout.
type PixelFormat string

const (
	FormatRGB24 PixelFormat = "rgb24"
	FormatRGBA  PixelFormat = "rgba"
	FormatBGRA  PixelFormat = "bgra"
	FormatGray8 PixelFormat = "gray8"
)

// Frame size limits, applied before any buffer is allocated.
const (
	MaxVideoDimension = 16384
	MaxVideoPixels    = 8192 * 8192
)

// ErrFrameTooLarge is returned for frames beyond the size limits.
var ErrFrameTooLarge = errors.New("video frame too large")

func checkFrameSize(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	if width > MaxVideoDimension || height > MaxVideoDimension || width*height > MaxVideoPixels {
		return fmt.Errorf("%w: %dx%d", ErrFrameTooLarge, width, height)
	}
	return nil
}

func (p PixelFormat) bytesPerPixel() int {
	switch p {
	case FormatRGB24:
		return 3
	case FormatRGBA, FormatBGRA:
		return 4
	case FormatGray8:
		return 1
	default:
		return 0
	}
}

func (n *Normalizer) rawVideo(payload []byte, params map[string]string) (result, error) {
	format := PixelFormat(params["format"])
	bpp := format.bytesPerPixel()
	if bpp == 0 {
		return result{}, fmt.Errorf("unsupported pixel format %q", format)
	}
	width, err := intParam(params, "width", 0)
	if err != nil {
		return result{}, err
	}
	height, err := intParam(params, "height", 0)
	if err != nil {
		return result{}, err
	}
	if err := checkFrameSize(width, height); err != nil {
		return result{}, err
	}
	if want := width * height * bpp; len(payload) != want {
		return result{}, fmt.Errorf("%s %dx%d needs %d bytes, got %d", format, width, height, want, len(payload))
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := 0; i < width*height; i++ {
		src := payload[i*bpp:]
		dst := img.Pix[i*4 : i*4+4]
		switch format {
		case FormatRGB24:
			dst[0], dst[1], dst[2], dst[3] = src[0], src[1], src[2], 0xff
		case FormatRGBA:
			copy(dst, src[:4])
		case FormatBGRA:
			dst[0], dst[1], dst[2], dst[3] = src[2], src[1], src[0], src[3]
		case FormatGray8:
			dst[0], dst[1], dst[2], dst[3] = src[0], src[0], src[0], 0xff
		}
	}
	return n.canonicalVideo(img), nil
}

func (n *Normalizer) jpeg(payload []byte, _ map[string]string) (result, error) {
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(payload))
	if err != nil {
		return result{}, fmt.Errorf("decode jpeg header: %w", err)
	}
	if err := checkFrameSize(cfg.Width, cfg.Height); err != nil {
		return result{}, err
	}
	decoded, err := jpeg.Decode(bytes.NewReader(payload))
	if err != nil {
		return result{}, fmt.Errorf("decode jpeg: %w", err)
	}
	b := decoded.Bounds()
	img := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(img, img.Bounds(), decoded, b.Min, draw.Src)
	return n.canonicalVideo(img), nil
}

func (n *Normalizer) canonicalVideo(img *image.RGBA) result {
	if img.Rect.Dy() > n.cfg.VideoMaxHeight {
		img = downscale(img, n.cfg.VideoMaxHeight)
	}
	w, h := img.Rect.Dx(), img.Rect.Dy()
	return result{
		payload:  img.Pix,
		mimeType: fmt.Sprintf("%s;format=%s;width=%d;height=%d", MimeRawVideo, FormatRGBA, w, h),
		meta: map[string]string{
			"pixel_format": string(FormatRGBA),
			"width":        strconv.Itoa(w),
			"height":       strconv.Itoa(h),
			"resolution":   resolutionBucket(h),
		},
	}
}

// downscale resizes img to maxHeight lines with nearest-neighbour sampling,
// keeping the aspect ratio.
func downscale(img *image.RGBA, maxHeight int) *image.RGBA {
	sw, sh := img.Rect.Dx(), img.Rect.Dy()
	dh := maxHeight
	dw := sw * dh / sh
	if dw < 1 {
		dw = 1
	}
	out := image.NewRGBA(image.Rect(0, 0, dw, dh))
	for y := 0; y < dh; y++ {
		sy := y * sh / dh
		for x := 0; x < dw; x++ {
			sx := x * sw / dw
			si := sy*img.Stride + sx*4
			di := y*out.Stride + x*4
			copy(out.Pix[di:di+4], img.Pix[si:si+4])
		}
	}
	return out
}

var buckets = []struct {
	maxHeight int
	name      string
}{
	{240, "240p"},
	{360, "360p"},
	{480, "480p"},
	{720, "720p"},
	{1080, "1080p"},
	{1440, "1440p"},
}

func resolutionBucket(height int) string {
	for _, b := range buckets {
		if height <= b.maxHeight {
			return b.name
		}
	}
	return "2160p"
}
