// Package evidence keeps screenshots of failed puzzle attempts and page errors
// so solver constants can be re-calibrated offline.
package evidence

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/withObsrvr/obsrvr-event-harvester/internal/storage"
)

// Kind labels what a capture shows.
type Kind string

const (
	// KindPuzzle is a cropped puzzle region the solver could not place.
	KindPuzzle Kind = "puzzle"
	// KindRejected is a puzzle region whose solution the site rejected.
	KindRejected Kind = "rejected"
	// KindError is a full screenshot taken when a page attempt failed.
	KindError Kind = "error"
)

const dir = "evidence/"

var keyPattern = regexp.MustCompile(`evidence/(\d+)/shard(\d+)/pg(\d+)_try(\d+)_([a-z]+)_\d+\.png\.zst$`)

// Capture is one image worth keeping.
type Capture struct {
	Year    int
	ShardID int
	Page    int
	Attempt int
	Kind    Kind
	PNG     []byte
	At      time.Time
}

// Key returns the storage key of the capture.
func (c Capture) Key() string {
	return fmt.Sprintf("%s%d/shard%d/pg%d_try%d_%s_%d.png.zst",
		dir, c.Year, c.ShardID, c.Page, c.Attempt, c.Kind, c.At.UnixMilli())
}

// Config controls evidence capture.
type Config struct {
	Enabled bool `yaml:"enabled" envconfig:"ENABLED"`
}

// Recorder writes zstd-compressed captures to a store.
type Recorder struct {
	store   storage.Store
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	logger  *slog.Logger
}

// NewRecorder returns a recorder, or nil when capture is disabled.
// A nil *Recorder is valid and discards everything.
func NewRecorder(cfg Config, store storage.Store) (*Recorder, error) {
	if !cfg.Enabled || store == nil {
		return nil, nil
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Recorder{
		store:   store,
		encoder: enc,
		decoder: dec,
		logger:  slog.With("component", "evidence"),
	}, nil
}

// Save compresses and stores a capture and returns its key.
func (r *Recorder) Save(ctx context.Context, c Capture) (string, error) {
	if r == nil || len(c.PNG) == 0 {
		return "", nil
	}
	if c.At.IsZero() {
		c.At = time.Now().UTC()
	}

	key := c.Key()
	data := r.encoder.EncodeAll(c.PNG, make([]byte, 0, len(c.PNG)/2))
	if err := r.store.Write(ctx, key, data); err != nil {
		return "", fmt.Errorf("write evidence %s: %w", key, err)
	}

	r.logger.Debug("evidence saved", "key", key, "kind", c.Kind, "page", c.Page,
		"raw_bytes", len(c.PNG), "stored_bytes", len(data))
	return key, nil
}

// Load reads a capture back.
func (r *Recorder) Load(ctx context.Context, key string) (Capture, error) {
	if r == nil {
		return Capture{}, fmt.Errorf("evidence disabled")
	}
	m := keyPattern.FindStringSubmatch(key)
	if m == nil {
		return Capture{}, fmt.Errorf("not an evidence key: %s", key)
	}

	data, err := r.store.Read(ctx, key)
	if err != nil {
		return Capture{}, fmt.Errorf("read evidence %s: %w", key, err)
	}
	raw, err := r.decoder.DecodeAll(data, nil)
	if err != nil {
		return Capture{}, fmt.Errorf("zstd decompress: %w", err)
	}

	year, _ := strconv.Atoi(m[1])
	shard, _ := strconv.Atoi(m[2])
	page, _ := strconv.Atoi(m[3])
	attempt, _ := strconv.Atoi(m[4])
	return Capture{
		Year:    year,
		ShardID: shard,
		Page:    page,
		Attempt: attempt,
		Kind:    Kind(m[5]),
		PNG:     raw,
	}, nil
}

// List returns the evidence keys recorded for a year.
func (r *Recorder) List(ctx context.Context, year int) ([]string, error) {
	if r == nil {
		return nil, nil
	}
	return r.store.List(ctx, fmt.Sprintf("%s%d/", dir, year))
}

// Close releases the codecs.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.encoder.Close()
	r.decoder.Close()
}
