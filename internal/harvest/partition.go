package harvest

import (
	"errors"
	"fmt"
)

// ErrPartitionInvariant is returned when shard ranges do not tile a job exactly.
var ErrPartitionInvariant = errors.New("shard ranges do not tile the job")

// Partition splits the job into at most job.Shards contiguous ranges of
// ceil(pages/shards) pages. The last range is clamped to job.End. When the
// ceiling leaves nothing for the trailing shards they are omitted.
func Partition(job HarvestJob) ([]Shard, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}

	size := (job.Pages() + job.Shards - 1) / job.Shards

	var out []Shard
	for i := 0; i < job.Shards; i++ {
		s := job.Start + i*size
		if s > job.End {
			break
		}
		e := s + size - 1
		if e > job.End {
			e = job.End
		}
		out = append(out, Shard{ID: i + 1, Start: s, End: e})
	}
	return out, nil
}

// VerifyTiling checks that shards cover [job.Start, job.End] exactly once,
// in order, with no empty range.
func VerifyTiling(job HarvestJob, shards []Shard) error {
	if len(shards) == 0 {
		return fmt.Errorf("%w: no shards", ErrPartitionInvariant)
	}

	next := job.Start
	for _, s := range shards {
		if s.Start > s.End {
			return fmt.Errorf("%w: shard %d is empty (%d-%d)", ErrPartitionInvariant, s.ID, s.Start, s.End)
		}
		if s.Start != next {
			return fmt.Errorf("%w: shard %d starts at %d, expected %d", ErrPartitionInvariant, s.ID, s.Start, next)
		}
		next = s.End + 1
	}
	if next != job.End+1 {
		return fmt.Errorf("%w: shards end at %d, job ends at %d", ErrPartitionInvariant, next-1, job.End)
	}
	return nil
}
