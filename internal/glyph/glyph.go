// Package glyph rebuilds the per-page digit substitution carried by an embedded web font.
//
// Every page load ships a fresh font whose character map points scrambled
// codepoints at glyphs named with a numeric suffix. A GlyphMap built from one
// page is only valid for that page; callers pass it explicitly to Decode and
// drop it with the page.
package glyph

import (
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrDecodeUnavailable is returned when the page carries no usable font payload.
// It usually means obfuscated content has not loaded yet; retry the page.
var ErrDecodeUnavailable = errors.New("glyph decode unavailable")

// Protocol constants observed on the source site.
const (
	DefaultSuffixLen = 2
	DefaultOffset    = 1
)

var fontBlobPattern = regexp.MustCompile(`base64,([A-Za-z0-9+/=]+)['"]?\)`)

// GlyphMap maps an obfuscated codepoint to the digits it renders as.
type GlyphMap map[rune]string

// Entry is one character map entry of a parsed font.
type Entry struct {
	Codepoint rune
	GlyphName string
}

// FontParser exposes a font's character map.
type FontParser interface {
	Parse(blob []byte) ([]Entry, error)
}

// Decoder builds GlyphMaps. It holds configuration only.
type Decoder struct {
	parser    FontParser
	suffixLen int
	offset    int
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithParser overrides the font parser.
func WithParser(p FontParser) Option {
	return func(d *Decoder) { d.parser = p }
}

// WithSuffix overrides the glyph-name suffix length and the value offset.
func WithSuffix(length, offset int) Option {
	return func(d *Decoder) {
		if length > 0 {
			d.suffixLen = length
		}
		d.offset = offset
	}
}

// NewDecoder creates a decoder using the sfnt parser and the default constants.
func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{
		parser:    SFNTParser{},
		suffixLen: DefaultSuffixLen,
		offset:    DefaultOffset,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Build parses blob and returns the codepoint to digit mapping it encodes.
func (d *Decoder) Build(blob []byte) (GlyphMap, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("%w: empty font blob", ErrDecodeUnavailable)
	}

	entries, err := d.parser.Parse(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeUnavailable, err)
	}

	m := make(GlyphMap)
	for _, e := range entries {
		value, ok := d.glyphValue(e.GlyphName)
		if !ok {
			continue
		}
		m[e.Codepoint] = strconv.Itoa(value)
	}

	if len(m) == 0 {
		return nil, fmt.Errorf("%w: font maps no numeric glyphs", ErrDecodeUnavailable)
	}
	return m, nil
}

// glyphValue reads the numeric suffix of a glyph name and applies the offset.
func (d *Decoder) glyphValue(name string) (int, bool) {
	if len(name) < d.suffixLen {
		return 0, false
	}
	n, err := strconv.Atoi(name[len(name)-d.suffixLen:])
	if err != nil {
		return 0, false
	}
	v := n - d.offset
	if v < 0 {
		return 0, false
	}
	return v, true
}

// Build parses blob with the default decoder.
func Build(blob []byte) (GlyphMap, error) {
	return NewDecoder().Build(blob)
}

// Decode replaces every mapped codepoint in text. Unmapped characters pass through.
func Decode(text string, m GlyphMap) string {
	if len(m) == 0 {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if v, ok := m[r]; ok {
			b.WriteString(v)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ExtractFontBlob pulls the base64 font payload out of a page's source.
func ExtractFontBlob(pageSource string) ([]byte, error) {
	match := fontBlobPattern.FindStringSubmatch(pageSource)
	if match == nil {
		return nil, fmt.Errorf("%w: no embedded font in page source", ErrDecodeUnavailable)
	}

	blob, err := base64.StdEncoding.DecodeString(match[1])
	if err != nil {
		blob, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(match[1], "="))
		if err != nil {
			return nil, fmt.Errorf("%w: decode base64 font: %v", ErrDecodeUnavailable, err)
		}
	}
	return blob, nil
}
