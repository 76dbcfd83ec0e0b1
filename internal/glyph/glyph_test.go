package glyph

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/font/gofont/goregular"
)

type fakeParser struct {
	entries []Entry
	err     error
}

func (p fakeParser) Parse([]byte) ([]Entry, error) {
	return p.entries, p.err
}

func scrambled() []Entry {
	return []Entry{
		{Codepoint: 0xE001, GlyphName: "glyph00004"}, // 3
		{Codepoint: 0xE002, GlyphName: "glyph00001"}, // 0
		{Codepoint: 0xE003, GlyphName: "glyph00010"}, // 9
		{Codepoint: 0xE004, GlyphName: "period"},
	}
}

func TestBuild(t *testing.T) {
	d := NewDecoder(WithParser(fakeParser{entries: scrambled()}))

	m, err := d.Build([]byte("font"))
	require.NoError(t, err)

	assert.Len(t, m, 3)
	assert.Equal(t, "3", m[0xE001])
	assert.Equal(t, "0", m[0xE002])
	assert.Equal(t, "9", m[0xE003])
}

func TestBuildCustomSuffix(t *testing.T) {
	d := NewDecoder(
		WithParser(fakeParser{entries: []Entry{{Codepoint: 'x', GlyphName: "uni007"}}}),
		WithSuffix(3, 0),
	)
	m, err := d.Build([]byte("font"))
	require.NoError(t, err)
	assert.Equal(t, "7", m['x'])
}

func TestBuildUnavailable(t *testing.T) {
	tests := []struct {
		name   string
		blob   []byte
		parser FontParser
	}{
		{"empty blob", nil, fakeParser{entries: scrambled()}},
		{"parse failure", []byte("font"), fakeParser{err: errors.New("bad table")}},
		{"no numeric glyphs", []byte("font"), fakeParser{entries: []Entry{{Codepoint: 'a', GlyphName: "a"}}}},
		{"not a font", []byte("definitely not a font"), SFNTParser{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDecoder(WithParser(tt.parser)).Build(tt.blob)
			assert.ErrorIs(t, err, ErrDecodeUnavailable)
		})
	}
}

func TestDecodePassThrough(t *testing.T) {
	m := GlyphMap{0xE001: "3", 0xE002: "0"}

	assert.Equal(t, "2019-30-03", Decode("2019-\uE001\uE002-\uE002\uE001", m))
	assert.Equal(t, "Series A, 投资方", Decode("Series A, 投资方", m))
	assert.Equal(t, "\uE003", Decode("\uE003", m), "unmapped codepoint passes through")
	assert.Equal(t, "", Decode("", m))
	assert.Equal(t, "\uE001", Decode("\uE001", nil))
}

func TestDecodeFreshMapPerPage(t *testing.T) {
	// The same codepoint renders differently on two page loads.
	first := GlyphMap{0xE001: "3"}
	second := GlyphMap{0xE001: "7"}

	assert.Equal(t, "3", Decode("\uE001", first))
	assert.Equal(t, "7", Decode("\uE001", second))
}

func TestExtractFontBlob(t *testing.T) {
	payload := []byte("woff-bytes")
	src := `<style>@font-face{font-family:"x";src:url('data:application/font-woff;charset=utf-8;base64,` +
		base64.StdEncoding.EncodeToString(payload) + `') format("woff");}</style>`

	blob, err := ExtractFontBlob(src)
	require.NoError(t, err)
	assert.Equal(t, payload, blob)

	_, err = ExtractFontBlob("<html><body>loading</body></html>")
	assert.ErrorIs(t, err, ErrDecodeUnavailable)
}

func TestSFNTParserRealFont(t *testing.T) {
	entries, err := SFNTParser{}.Parse(goregular.TTF)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	names := make(map[rune]string, len(entries))
	for _, e := range entries {
		names[e.Codepoint] = e.GlyphName
	}
	assert.NotEmpty(t, names['A'])
	assert.NotEmpty(t, names['0'])
}

func TestWOFFToSFNT(t *testing.T) {
	plain := []byte("abcdefgh")
	packed := bytes.Repeat([]byte("z"), 64)

	var zbuf bytes.Buffer
	zw := zlib.NewWriter(&zbuf)
	_, err := zw.Write(packed)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	// Two tables: "cmap" stored raw, "glyf" zlib-compressed.
	dirEnd := woffHeaderSize + 2*woffEntrySize
	cmapOff := dirEnd
	glyfOff := cmapOff + len(plain)

	blob := make([]byte, glyfOff+zbuf.Len())
	copy(blob[0:4], woffSignature)
	binary.BigEndian.PutUint32(blob[4:8], 0x00010000)
	binary.BigEndian.PutUint16(blob[12:14], 2)

	putEntry := func(i int, tag string, off, comp, orig int) {
		p := blob[woffHeaderSize+i*woffEntrySize:]
		copy(p[0:4], tag)
		binary.BigEndian.PutUint32(p[4:8], uint32(off))
		binary.BigEndian.PutUint32(p[8:12], uint32(comp))
		binary.BigEndian.PutUint32(p[12:16], uint32(orig))
	}
	putEntry(0, "cmap", cmapOff, len(plain), len(plain))
	putEntry(1, "glyf", glyfOff, zbuf.Len(), len(packed))
	copy(blob[cmapOff:], plain)
	copy(blob[glyfOff:], zbuf.Bytes())

	out, err := woffToSFNT(blob)
	require.NoError(t, err)

	assert.Equal(t, uint32(0x00010000), binary.BigEndian.Uint32(out[0:4]))
	assert.Equal(t, uint16(2), binary.BigEndian.Uint16(out[4:6]))

	rec := out[sfntHeaderSize:]
	assert.Equal(t, "cmap", string(rec[0:4]))
	cmapAt := binary.BigEndian.Uint32(rec[8:12])
	assert.Equal(t, plain, out[cmapAt:cmapAt+uint32(len(plain))])

	rec = out[sfntHeaderSize+sfntRecordSize:]
	assert.Equal(t, "glyf", string(rec[0:4]))
	glyfAt := binary.BigEndian.Uint32(rec[8:12])
	assert.Equal(t, packed, out[glyfAt:glyfAt+uint32(len(packed))])

	_, err = woffToSFNT([]byte("wOFF"))
	assert.Error(t, err)
}
