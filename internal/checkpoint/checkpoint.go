package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/withObsrvr/obsrvr-event-harvester/internal/records"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/storage"
)

var (
	// ErrNoCheckpoint is returned when no checkpoint exists.
	ErrNoCheckpoint = errors.New("no checkpoint found")

	// ErrCheckpointRegression is returned when a save would lower a shard's highest page.
	ErrCheckpointRegression = errors.New("checkpoint highest page regressed")
)

const dir = "checkpoints/"

var keyPattern = regexp.MustCompile(`events_(\d+)_shard(\d+)_pg(\d+)to(\d+)\.parquet$`)

// Checkpoint is a shard's accumulated records and the highest page completed so far.
type Checkpoint struct {
	Year        int
	ShardID     int
	Start       int // first page of the shard
	HighestPage int
	Records     []records.Record
	UpdatedAt   time.Time
}

// Key returns the storage key for this checkpoint.
func (c *Checkpoint) Key() string {
	return fmt.Sprintf("%s%s%dto%d.parquet", dir, shardPrefix(c.Year, c.ShardID), c.Start, c.HighestPage)
}

// Completed returns the pages in [Start, HighestPage] that contributed records.
func (c *Checkpoint) Completed() map[int]bool {
	done := make(map[int]bool)
	for _, r := range c.Records {
		done[int(r.PageNumber)] = true
	}
	return done
}

// Missing returns pages in [Start, HighestPage] with no records.
// A successful page always yields rows, so these are pages that exhausted retries.
func (c *Checkpoint) Missing() []int {
	done := c.Completed()
	var missing []int
	for p := c.Start; p <= c.HighestPage; p++ {
		if !done[p] {
			missing = append(missing, p)
		}
	}
	return missing
}

func shardPrefix(year, shardID int) string {
	return fmt.Sprintf("events_%d_shard%d_pg", year, shardID)
}

// Manager handles checkpoint persistence and retrieval.
type Manager interface {
	// Latest reads the most recent checkpoint of a shard.
	Latest(ctx context.Context, year, shardID int) (*Checkpoint, error)

	// Save persists the checkpoint and removes the shard's previous one before returning.
	Save(ctx context.Context, cp *Checkpoint) error

	// Delete removes every checkpoint of a shard.
	Delete(ctx context.Context, year, shardID int) error

	// List returns the latest checkpoint of every shard of a year, ordered by shard id.
	List(ctx context.Context, year int) ([]*Checkpoint, error)
}

// Config configures the checkpoint manager.
type Config struct {
	Enabled bool `yaml:"enabled" envconfig:"ENABLED"`
}

// NewManager creates a checkpoint manager based on configuration.
func NewManager(cfg Config, store storage.Store) Manager {
	if !cfg.Enabled || store == nil {
		return &noopManager{}
	}
	return &blobManager{store: store}
}

// blobManager persists checkpoints as parquet objects.
type blobManager struct {
	store storage.Store
}

type keyInfo struct {
	key     string
	year    int
	shardID int
	start   int
	highest int
}

func parseKey(key string) (keyInfo, bool) {
	m := keyPattern.FindStringSubmatch(key)
	if m == nil {
		return keyInfo{}, false
	}
	atoi := func(s string) int {
		n, _ := strconv.Atoi(s)
		return n
	}
	return keyInfo{
		key:     key,
		year:    atoi(m[1]),
		shardID: atoi(m[2]),
		start:   atoi(m[3]),
		highest: atoi(m[4]),
	}, true
}

// shardKeys lists a shard's checkpoint keys, highest page first.
func (m *blobManager) shardKeys(ctx context.Context, year, shardID int) ([]keyInfo, error) {
	keys, err := m.store.List(ctx, dir+shardPrefix(year, shardID))
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	var infos []keyInfo
	for _, k := range keys {
		info, ok := parseKey(k)
		if !ok || info.year != year || info.shardID != shardID {
			continue
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].highest > infos[j].highest })
	return infos, nil
}

// Latest reads the shard's checkpoint with the highest page.
func (m *blobManager) Latest(ctx context.Context, year, shardID int) (*Checkpoint, error) {
	infos, err := m.shardKeys(ctx, year, shardID)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, ErrNoCheckpoint
	}
	return m.load(ctx, infos[0])
}

func (m *blobManager) load(ctx context.Context, info keyInfo) (*Checkpoint, error) {
	data, err := m.store.Read(ctx, info.key)
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	rows, err := records.DecodeParquet(data)
	if err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", info.key, err)
	}

	var updated time.Time
	if head, err := m.store.Head(ctx, info.key); err == nil {
		updated = head.ModTime
	}

	return &Checkpoint{
		Year:        info.year,
		ShardID:     info.shardID,
		Start:       info.start,
		HighestPage: info.highest,
		Records:     rows,
		UpdatedAt:   updated,
	}, nil
}

// Save writes the new checkpoint, then removes every other checkpoint of the shard.
func (m *blobManager) Save(ctx context.Context, cp *Checkpoint) error {
	previous, err := m.shardKeys(ctx, cp.Year, cp.ShardID)
	if err != nil {
		return err
	}
	if len(previous) > 0 && cp.HighestPage < previous[0].highest {
		return fmt.Errorf("%w: shard %d at page %d, save requested page %d",
			ErrCheckpointRegression, cp.ShardID, previous[0].highest, cp.HighestPage)
	}

	data, err := records.EncodeParquet(cp.Records)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	key := cp.Key()
	if err := m.store.Write(ctx, key, data); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}

	for _, prev := range previous {
		if prev.key == key {
			continue
		}
		if err := m.store.Delete(ctx, prev.key); err != nil {
			return fmt.Errorf("remove superseded checkpoint %s: %w", prev.key, err)
		}
	}

	cp.UpdatedAt = time.Now().UTC()
	return nil
}

// Delete removes every checkpoint of a shard.
func (m *blobManager) Delete(ctx context.Context, year, shardID int) error {
	infos, err := m.shardKeys(ctx, year, shardID)
	if err != nil {
		return err
	}
	for _, info := range infos {
		if err := m.store.Delete(ctx, info.key); err != nil {
			return fmt.Errorf("delete checkpoint %s: %w", info.key, err)
		}
	}
	return nil
}

// List returns the latest checkpoint of every shard of a year.
func (m *blobManager) List(ctx context.Context, year int) ([]*Checkpoint, error) {
	keys, err := m.store.List(ctx, fmt.Sprintf("%sevents_%d_shard", dir, year))
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	latest := make(map[int]keyInfo)
	for _, k := range keys {
		info, ok := parseKey(k)
		if !ok || info.year != year {
			continue
		}
		if cur, ok := latest[info.shardID]; !ok || info.highest > cur.highest {
			latest[info.shardID] = info
		}
	}

	ids := make([]int, 0, len(latest))
	for id := range latest {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	out := make([]*Checkpoint, 0, len(ids))
	for _, id := range ids {
		cp, err := m.load(ctx, latest[id])
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// noopManager is a no-op checkpoint manager for when checkpointing is disabled.
type noopManager struct{}

func (m *noopManager) Latest(ctx context.Context, year, shardID int) (*Checkpoint, error) {
	return nil, ErrNoCheckpoint
}

func (m *noopManager) Save(ctx context.Context, cp *Checkpoint) error {
	return nil
}

func (m *noopManager) Delete(ctx context.Context, year, shardID int) error {
	return nil
}

func (m *noopManager) List(ctx context.Context, year int) ([]*Checkpoint, error) {
	return nil, nil
}
