package source

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hepic-lab/hepic/internal/domain"
	"github.com/hepic-lab/hepic/pkg/log"
)

// Image directory defaults.
const (
	DefaultReplayFPS = 10.0

	// settleDelay is how long a spooled file must stay unmodified before it
	// is decoded.
	settleDelay = 100 * time.Millisecond
)

// ImageDirConfig configures an image-directory source.
type ImageDirConfig struct {
	ID  domain.SourceID
	Dir string

	// FPS is the replay rate. Ignored in watch mode.
	FPS float64

	// Loop restarts the replay after the last image.
	Loop bool

	// Watch follows new files dropped into Dir instead of replaying the
	// existing ones.
	Watch bool

	// Format is the payload pixel format; images are converted to it.
	Format domain.PixelFormat

	RingSize int
}

// ImageDir replays PNG/JPEG files in name order, or follows a spool
// directory. Replayed frames carry a native clock of index/fps; watched
// frames are arrival-clocked.
type ImageDir struct {
	*base
	cfg ImageDirConfig

	mu   sync.Mutex
	spec domain.SourceSpec
}

// NewImageDir creates the adapter.
func NewImageDir(cfg ImageDirConfig, logger log.Logger) (*ImageDir, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: imagedir source needs an id", domain.ErrInvalidConfig)
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("%w: source %s: dir is required", domain.ErrInvalidConfig, cfg.ID)
	}
	if cfg.FPS <= 0 {
		cfg.FPS = DefaultReplayFPS
	}
	if cfg.Format == "" {
		cfg.Format = domain.PixelGray8
	}
	return &ImageDir{
		base: newBase(cfg.ID, domain.KindImageDir, cfg.RingSize, logger),
		cfg:  cfg,
		spec: domain.SourceSpec{ID: cfg.ID, Kind: domain.KindImageDir, Image: true, Format: cfg.Format},
	}, nil
}

func (d *ImageDir) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Stat(d.cfg.Dir)
	if err != nil {
		return domain.NewAdapterError(d.id, domain.Disconnected, err)
	}
	if !info.IsDir() {
		return domain.NewAdapterError(d.id, domain.ConfigurationRejected, fmt.Errorf("%s is not a directory", d.cfg.Dir))
	}

	d.ring.Reset()
	if d.cfg.Watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("create watcher: %w", err)
		}
		if err := watcher.Add(d.cfg.Dir); err != nil {
			_ = watcher.Close()
			return domain.NewAdapterError(d.id, domain.Disconnected, fmt.Errorf("watch %s: %w", d.cfg.Dir, err))
		}
		d.run.start(d.ring, d.id, func(ctx context.Context) error { return d.watch(ctx, watcher) })
		d.logger.Info("watching image spool", log.String("dir", d.cfg.Dir))
		return nil
	}

	files, err := ListImages(d.cfg.Dir)
	if err != nil {
		return domain.NewAdapterError(d.id, domain.Disconnected, err)
	}
	if len(files) == 0 {
		return domain.NewAdapterError(d.id, domain.ConfigurationRejected, fmt.Errorf("no images in %s", d.cfg.Dir))
	}
	// Geometry is fixed by the first image so encoders can open up front.
	first, err := DecodeImage(files[0], d.cfg.Format)
	if err != nil {
		return domain.NewAdapterError(d.id, domain.ConfigurationRejected, err)
	}
	d.setGeometry(first)

	d.run.start(d.ring, d.id, func(ctx context.Context) error { return d.replay(ctx, files) })
	d.logger.Info("replaying images",
		log.String("dir", d.cfg.Dir),
		log.Int("files", len(files)),
		log.Float64("fps", d.cfg.FPS))
	return nil
}

func (d *ImageDir) Stop() error {
	d.run.stop()
	return nil
}

func (d *ImageDir) Describe() domain.SourceSpec {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.spec
}

func (d *ImageDir) setGeometry(img *domain.Image) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.spec.Width == 0 {
		d.spec.Width, d.spec.Height = img.Width, img.Height
	}
}

// accept reports whether img matches the session geometry.
func (d *ImageDir) accept(img *domain.Image, path string) bool {
	d.setGeometry(img)
	d.mu.Lock()
	w, h := d.spec.Width, d.spec.Height
	d.mu.Unlock()
	if img.Width != w || img.Height != h {
		d.logger.Warn("image size differs from first image, skipped",
			log.String("file", filepath.Base(path)),
			log.Int("width", img.Width),
			log.Int("height", img.Height))
		return false
	}
	return true
}

func (d *ImageDir) replay(ctx context.Context, files []string) error {
	interval := time.Duration(float64(time.Second) / d.cfg.FPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	n := 0
	for i := 0; ; i++ {
		if i == len(files) {
			if !d.cfg.Loop {
				return errors.New("replay finished")
			}
			i = 0
		}
		select {
		case <-ctx.Done():
			return nil
		case arrival := <-ticker.C:
			img, err := DecodeImage(files[i], d.cfg.Format)
			if err != nil {
				d.logger.Warn("skipping unreadable image", log.String("file", filepath.Base(files[i])), log.Err(err))
				d.ring.Skip(1)
				continue
			}
			if !d.accept(img, files[i]) {
				d.ring.Skip(1)
				continue
			}
			d.ring.Put(domain.Frame{
				Native:    time.Duration(n) * interval,
				HasNative: true,
				Arrival:   arrival,
				Payload:   domain.Payload{Image: img},
			})
			n++
		}
	}
}

func (d *ImageDir) watch(ctx context.Context, watcher *fsnotify.Watcher) error {
	defer watcher.Close()

	ticker := time.NewTicker(settleDelay / 2)
	defer ticker.Stop()

	// pending maps a file to the time of its last write event.
	pending := make(map[string]time.Time)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("watcher closed")
			}
			if !isImageFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			pending[event.Name] = time.Now()

		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watcher closed")
			}
			d.logger.Warn("image watcher error", log.Err(err))

		case t := <-ticker.C:
			for _, path := range settled(pending, t) {
				delete(pending, path)
				d.ingest(path)
			}
		}
	}
}

// settled returns the pending files untouched for settleDelay, in name order.
func settled(pending map[string]time.Time, at time.Time) []string {
	var ready []string
	for path, last := range pending {
		if at.Sub(last) >= settleDelay {
			ready = append(ready, path)
		}
	}
	sort.Strings(ready)
	return ready
}

func (d *ImageDir) ingest(path string) {
	img, err := DecodeImage(path, d.cfg.Format)
	if err != nil {
		d.logger.Warn("skipping unreadable image", log.String("file", filepath.Base(path)), log.Err(err))
		return
	}
	if !d.accept(img, path) {
		return
	}
	d.ring.Put(domain.Frame{Arrival: now(), Payload: domain.Payload{Image: img}})
}

func isImageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg":
		return true
	}
	return false
}

// ListImages returns the PNG and JPEG files of dir in name order.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !isImageFile(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// DecodeImage reads a PNG or JPEG file and converts it to format.
func DecodeImage(path string, format domain.PixelFormat) (*domain.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return ToImage(src, format), nil
}

// ToImage converts a decoded image into a raw payload buffer.
func ToImage(src image.Image, format domain.PixelFormat) *domain.Image {
	b := src.Bounds()
	img := &domain.Image{Width: b.Dx(), Height: b.Dy(), Format: format}
	img.Data = make([]byte, img.Size())

	if g, ok := src.(*image.Gray); ok && format == domain.PixelGray8 {
		for y := 0; y < img.Height; y++ {
			row := g.Pix[y*g.Stride : y*g.Stride+img.Width]
			copy(img.Data[y*img.Width:], row)
		}
		return img
	}

	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := src.At(x, y)
			if format == domain.PixelRGB24 {
				r, g, bl, _ := c.RGBA()
				img.Data[i], img.Data[i+1], img.Data[i+2] = byte(r>>8), byte(g>>8), byte(bl>>8)
				i += 3
				continue
			}
			img.Data[i] = color.GrayModel.Convert(c).(color.Gray).Y
			i++
		}
	}
	return img
}
