package recorder

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"sync"
	"time"
)

// ImageFile is a VideoSource backed by a PNG or JPEG on disk. The file is
// decoded again whenever its modification time changes, so an external
// screen or camera grabber can keep overwriting it.
type ImageFile struct {
	path string

	mu  sync.Mutex
	mod time.Time
	img image.Image
}

// NewImageFile opens path and decodes the first frame.
func NewImageFile(path string) (*ImageFile, error) {
	f := &ImageFile{path: path}
	if _, err := f.Frame(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *ImageFile) Path() string { return f.path }

// Frame returns the current image. A rewrite caught half way keeps the last
// good frame; a file that disappears ends the source.
func (f *ImageFile) Frame() (image.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, err := os.Stat(f.path)
	if err != nil {
		return nil, fmt.Errorf("recorder: video source: %w", err)
	}
	if f.img != nil && info.ModTime().Equal(f.mod) {
		return f.img, nil
	}
	img, err := decodeImage(f.path)
	if err != nil {
		if f.img != nil {
			return f.img, nil
		}
		return nil, err
	}
	f.img, f.mod = img, info.ModTime()
	return img, nil
}

func decodeImage(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("recorder: video source: %w", err)
	}
	defer file.Close()
	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("recorder: decode %s: %w", path, err)
	}
	return img, nil
}
