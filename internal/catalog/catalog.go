// Package catalog knows how many list pages each harvested year spans.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ErrUnknownYear is returned when a year has no configured page count.
var ErrUnknownYear = errors.New("year not in catalog")

// ErrDuplicateYear is returned when a year is configured twice.
var ErrDuplicateYear = errors.New("year configured more than once")

// Entry is one year of the listing.
type Entry struct {
	Year  int `yaml:"year"`
	Pages int `yaml:"pages"`
}

// Catalog maps years to their total page counts.
type Catalog struct {
	entries []Entry
	byYear  map[int]int
}

// Default returns the page counts recorded for 2010 through 2019.
func Default() *Catalog {
	c, _ := New([]Entry{
		{Year: 2010, Pages: 176},
		{Year: 2011, Pages: 131},
		{Year: 2012, Pages: 135},
		{Year: 2013, Pages: 155},
		{Year: 2014, Pages: 434},
		{Year: 2015, Pages: 892},
		{Year: 2016, Pages: 1281},
		{Year: 2017, Pages: 1016},
		{Year: 2018, Pages: 861},
		{Year: 2019, Pages: 483},
	})
	return c
}

// New creates a catalog. Entries are sorted by year.
func New(entries []Entry) (*Catalog, error) {
	if len(entries) == 0 {
		return nil, errors.New("at least one year must be configured")
	}

	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Year < sorted[j].Year
	})

	byYear := make(map[int]int, len(sorted))
	for _, e := range sorted {
		if e.Pages < 1 {
			return nil, fmt.Errorf("year %d: page count must be positive, got %d", e.Year, e.Pages)
		}
		if _, dup := byYear[e.Year]; dup {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateYear, e.Year)
		}
		byYear[e.Year] = e.Pages
	}

	return &Catalog{entries: sorted, byYear: byYear}, nil
}

// Load reads a YAML list of {year, pages} entries.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}

	var entries []Entry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	return New(entries)
}

// Pages returns the total page count for a year.
func (c *Catalog) Pages(year int) (int, error) {
	pages, ok := c.byYear[year]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownYear, year)
	}
	return pages, nil
}

// Years returns the configured years in ascending order.
func (c *Catalog) Years() []int {
	years := make([]int, len(c.entries))
	for i, e := range c.entries {
		years[i] = e.Year
	}
	return years
}

// Span returns the years in [from, to], failing on the first unknown year.
func (c *Catalog) Span(from, to int) ([]Entry, error) {
	if from > to {
		from, to = to, from
	}
	var out []Entry
	for y := from; y <= to; y++ {
		pages, err := c.Pages(y)
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{Year: y, Pages: pages})
	}
	return out, nil
}
