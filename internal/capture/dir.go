package capture

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"

	"github.com/banshee-data/fixation.watch/internal/pupil"
)

var imageExts = []string{".png", ".jpg", ".jpeg", ".bmp", ".tif", ".tiff"}

// DirSource replays the images of a directory in lexical file order.
type DirSource struct {
	Loop bool

	files []string
	pre   *Preprocessor

	mu     sync.Mutex
	next   int
	seq    uint64
	closed bool
}

// OpenDir lists the decodable images in dir. pre may be nil to keep each
// image at its own size.
func OpenDir(dir string, pre *Preprocessor) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("open frame directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if slices.Contains(imageExts, strings.ToLower(filepath.Ext(e.Name()))) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no images in %s", dir)
	}
	slices.Sort(files)
	return &DirSource{files: files, pre: pre}, nil
}

// Files returns the image paths in replay order.
func (d *DirSource) Files() []string { return slices.Clone(d.files) }

func (d *DirSource) Next(ctx context.Context) (*pupil.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrSourceClosed
	}
	if d.next >= len(d.files) {
		if !d.Loop {
			return nil, ErrStreamExhausted
		}
		d.next = 0
	}
	path := d.files[d.next]
	d.next++
	img, err := decodeFile(path)
	if err != nil {
		return nil, err
	}
	d.seq++
	return &pupil.Frame{Seq: d.seq, Captured: time.Now(), Gray: toGray(img, d.pre)}, nil
}

func (d *DirSource) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

// toGray converts img with pre, or without resizing when pre is nil.
func toGray(img image.Image, pre *Preprocessor) *image.Gray {
	if pre != nil {
		return pre.Apply(img)
	}
	b := img.Bounds()
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(g, g.Bounds(), img, b.Min, draw.Src)
	return g
}
