package glyph

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/klauspost/compress/zlib"
	"golang.org/x/image/font/sfnt"
)

const (
	woffSignature  = "wOFF"
	woffHeaderSize = 44
	woffEntrySize  = 20
	sfntHeaderSize = 12
	sfntRecordSize = 16
	surrogateLow   = 0xD800
	surrogateHigh  = 0xDFFF
	maxScannedRune = 0xFFFF
	firstScanned   = 0x20
)

var errMalformedWOFF = errors.New("malformed woff font")

// SFNTParser reads TrueType/OpenType fonts, unwrapping WOFF containers first.
// Entries are found by probing every BMP codepoint against the character map.
type SFNTParser struct{}

// Parse implements FontParser.
func (SFNTParser) Parse(blob []byte) ([]Entry, error) {
	data := blob
	if len(blob) >= 4 && string(blob[:4]) == woffSignature {
		var err error
		data, err = woffToSFNT(blob)
		if err != nil {
			return nil, err
		}
	}

	f, err := sfnt.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse font: %w", err)
	}

	var (
		buf     sfnt.Buffer
		entries []Entry
	)
	for r := rune(firstScanned); r <= maxScannedRune; r++ {
		if r >= surrogateLow && r <= surrogateHigh {
			continue
		}
		idx, err := f.GlyphIndex(&buf, r)
		if err != nil || idx == 0 {
			continue
		}
		name, err := f.GlyphName(&buf, idx)
		if err != nil || name == "" {
			continue
		}
		entries = append(entries, Entry{Codepoint: r, GlyphName: name})
	}
	return entries, nil
}

type woffEntry struct {
	tag        uint32
	offset     uint32
	compLength uint32
	origLength uint32
	checksum   uint32
}

// woffToSFNT rebuilds the plain sfnt file a WOFF 1.0 container wraps.
func woffToSFNT(blob []byte) ([]byte, error) {
	if len(blob) < woffHeaderSize {
		return nil, fmt.Errorf("%w: short header", errMalformedWOFF)
	}
	flavor := binary.BigEndian.Uint32(blob[4:8])
	numTables := int(binary.BigEndian.Uint16(blob[12:14]))
	if numTables == 0 || len(blob) < woffHeaderSize+numTables*woffEntrySize {
		return nil, fmt.Errorf("%w: bad table directory", errMalformedWOFF)
	}

	entries := make([]woffEntry, numTables)
	for i := range entries {
		p := blob[woffHeaderSize+i*woffEntrySize:]
		entries[i] = woffEntry{
			tag:        binary.BigEndian.Uint32(p[0:4]),
			offset:     binary.BigEndian.Uint32(p[4:8]),
			compLength: binary.BigEndian.Uint32(p[8:12]),
			origLength: binary.BigEndian.Uint32(p[12:16]),
			checksum:   binary.BigEndian.Uint32(p[16:20]),
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })

	tables := make([][]byte, numTables)
	for i, e := range entries {
		end := uint64(e.offset) + uint64(e.compLength)
		if end > uint64(len(blob)) {
			return nil, fmt.Errorf("%w: table %d out of bounds", errMalformedWOFF, i)
		}
		raw := blob[e.offset:end]
		if e.compLength == e.origLength {
			tables[i] = raw
			continue
		}
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: inflate table %d: %v", errMalformedWOFF, i, err)
		}
		out, err := io.ReadAll(io.LimitReader(zr, int64(e.origLength)))
		zr.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: inflate table %d: %v", errMalformedWOFF, i, err)
		}
		if uint32(len(out)) != e.origLength {
			return nil, fmt.Errorf("%w: table %d inflated to %d bytes, want %d",
				errMalformedWOFF, i, len(out), e.origLength)
		}
		tables[i] = out
	}

	// Header: flavor, numTables, searchRange, entrySelector, rangeShift.
	entrySelector := 0
	for (1 << (entrySelector + 1)) <= numTables {
		entrySelector++
	}
	searchRange := (1 << entrySelector) * 16

	var out bytes.Buffer
	header := make([]byte, sfntHeaderSize)
	binary.BigEndian.PutUint32(header[0:4], flavor)
	binary.BigEndian.PutUint16(header[4:6], uint16(numTables))
	binary.BigEndian.PutUint16(header[6:8], uint16(searchRange))
	binary.BigEndian.PutUint16(header[8:10], uint16(entrySelector))
	binary.BigEndian.PutUint16(header[10:12], uint16(numTables*16-searchRange))
	out.Write(header)

	offset := uint32(sfntHeaderSize + numTables*sfntRecordSize)
	for i, e := range entries {
		rec := make([]byte, sfntRecordSize)
		binary.BigEndian.PutUint32(rec[0:4], e.tag)
		binary.BigEndian.PutUint32(rec[4:8], e.checksum)
		binary.BigEndian.PutUint32(rec[8:12], offset)
		binary.BigEndian.PutUint32(rec[12:16], uint32(len(tables[i])))
		out.Write(rec)
		offset += pad4(uint32(len(tables[i])))
	}
	for _, t := range tables {
		out.Write(t)
		out.Write(make([]byte, pad4(uint32(len(t)))-uint32(len(t))))
	}
	return out.Bytes(), nil
}

func pad4(n uint32) uint32 {
	return (n + 3) &^ 3
}
