package recorder

import (
	"image"
	"image/color"

	xdraw "golang.org/x/image/draw"
)

// Orientation selects the surface shape and where the camera overlay sits.
type Orientation int

const (
	Landscape Orientation = iota
	Portrait
)

func (o Orientation) String() string {
	if o == Portrait {
		return "portrait"
	}
	return "landscape"
}

// VideoSource yields the latest frame of a screen share or camera. An error
// marks the source unavailable for the rest of the recording.
type VideoSource interface {
	Frame() (image.Image, error)
}

const (
	defaultLongSide  = 1280
	defaultShortSide = 720
	defaultPiPScale  = 0.25
	defaultBorder    = 4
	defaultMargin    = 24
)

var (
	backgroundColor = color.RGBA{A: 0xff}
	borderColor     = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
)

// Compositor draws screen and camera frames onto one off-screen surface.
// The screen fills the surface (letterboxed); the camera becomes a bordered
// picture-in-picture overlay, or fills the surface when there is no screen.
type Compositor struct {
	LongSide  int
	ShortSide int
	PiPScale  float64
	Border    int
	Margin    int

	orientation Orientation
	surface     *image.RGBA
}

func NewCompositor(o Orientation) *Compositor {
	c := &Compositor{
		LongSide:  defaultLongSide,
		ShortSide: defaultShortSide,
		PiPScale:  defaultPiPScale,
		Border:    defaultBorder,
		Margin:    defaultMargin,
	}
	c.SetOrientation(o)
	return c
}

// SetOrientation resizes the surface. Landscape is LongSide wide.
func (c *Compositor) SetOrientation(o Orientation) {
	c.orientation = o
	w, h := c.LongSide, c.ShortSide
	if o == Portrait {
		w, h = h, w
	}
	if c.surface == nil || c.surface.Rect.Dx() != w || c.surface.Rect.Dy() != h {
		c.surface = image.NewRGBA(image.Rect(0, 0, w, h))
	}
}

func (c *Compositor) Orientation() Orientation { return c.orientation }

func (c *Compositor) Bounds() image.Rectangle { return c.surface.Rect }

// Compose renders one frame. Either source may be nil. The returned image is
// reused by the next call.
func (c *Compositor) Compose(screen, camera image.Image) *image.RGBA {
	dst := c.surface
	xdraw.Draw(dst, dst.Rect, image.NewUniform(backgroundColor), image.Point{}, xdraw.Src)

	if screen != nil {
		xdraw.ApproxBiLinear.Scale(dst, fit(screen.Bounds(), dst.Rect), screen, screen.Bounds(), xdraw.Src, nil)
	}
	if camera == nil {
		return dst
	}
	if screen == nil {
		xdraw.ApproxBiLinear.Scale(dst, fit(camera.Bounds(), dst.Rect), camera, camera.Bounds(), xdraw.Src, nil)
		return dst
	}

	pip := c.PiPRect(camera.Bounds())
	frame := pip.Inset(-c.Border)
	xdraw.Draw(dst, frame, image.NewUniform(borderColor), image.Point{}, xdraw.Src)
	xdraw.ApproxBiLinear.Scale(dst, pip, camera, camera.Bounds(), xdraw.Src, nil)
	return dst
}

// PiPRect is where a camera frame of the given bounds is drawn, border
// excluded. Landscape puts it bottom-right, portrait top-right.
func (c *Compositor) PiPRect(cam image.Rectangle) image.Rectangle {
	surf := c.surface.Rect
	w := int(float64(surf.Dx()) * c.PiPScale)
	h := w * 3 / 4
	if cam.Dx() > 0 && cam.Dy() > 0 {
		h = w * cam.Dy() / cam.Dx()
	}
	inset := c.Margin + c.Border
	x := surf.Max.X - inset - w
	y := surf.Max.Y - inset - h
	if c.orientation == Portrait {
		y = surf.Min.Y + inset
	}
	return image.Rect(x, y, x+w, y+h)
}

// fit scales src to the largest rectangle with the same aspect ratio that
// fits inside dst, centered.
func fit(src, dst image.Rectangle) image.Rectangle {
	sw, sh := src.Dx(), src.Dy()
	dw, dh := dst.Dx(), dst.Dy()
	if sw <= 0 || sh <= 0 {
		return image.Rectangle{}
	}
	w, h := dw, sh*dw/sw
	if h > dh {
		w, h = sw*dh/sh, dh
	}
	x := dst.Min.X + (dw-w)/2
	y := dst.Min.Y + (dh-h)/2
	return image.Rect(x, y, x+w, y+h)
}
