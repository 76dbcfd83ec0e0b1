package acquire

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/withObsrvr/obsrvr-event-harvester/internal/glyph"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/records"
)

// Column positions within a listing row.
const (
	colAmount    = 2
	colSeries    = 3
	colInvestors = 4
	colDate      = 6
)

// ExtractRecords decodes every listing row of a page source. Hrefs are
// resolved against pageURL. Numeric text is decoded through gm.
func ExtractRecords(source, pageURL string, gm glyph.GlyphMap, page int) ([]records.Record, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(source))
	if err != nil {
		return nil, fmt.Errorf("%w: parse page: %v", ErrTransient, err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}

	var (
		rows   []records.Record
		rowErr error
	)
	doc.Find(TableSelector).EachWithBreak(func(i int, row *goquery.Selection) bool {
		r, err := extractRow(row, base, gm)
		if err != nil {
			rowErr = fmt.Errorf("row %d: %w", i, err)
			return false
		}
		r.PageNumber = int32(page)
		rows = append(rows, r)
		return true
	})
	if rowErr != nil {
		return nil, rowErr
	}
	return rows, nil
}

func extractRow(row *goquery.Selection, base *url.URL, gm glyph.GlyphMap) (records.Record, error) {
	cells := row.Find("td")

	investee := row.Find(".tp1 [href]").First()
	if investee.Length() == 0 {
		return records.Record{}, fmt.Errorf("%w: investee link missing", ErrTransient)
	}
	investeeURL := resolve(base, investee.AttrOr("href", ""))
	investeeID := digits(investeeURL)

	r := records.Record{
		InvesteeID:        investeeID,
		InvesteeShortName: glyph.Decode(strings.TrimSpace(investee.AttrOr("title", "")), gm),
		InvesteeFullName:  records.Optional(glyph.Decode(text(row.Find(".tp2_com").First()), gm)),
		InvesteeURL:       investeeURL,
		Amount:            records.Optional(glyph.Decode(text(cells.Eq(colAmount)), gm)),
		Series:            records.Optional(glyph.Decode(text(cells.Eq(colSeries)), gm)),
		Date:              glyph.Decode(text(cells.Eq(colDate)), gm),
		Industries:        records.Optional(glyph.Decode(lines(row.Find(".tp3").First()), gm)),
	}

	var names, urls, ids []string
	cells.Eq(colInvestors).Find("a").Each(func(_ int, a *goquery.Selection) {
		href := resolve(base, a.AttrOr("href", ""))
		names = append(names, strings.TrimSpace(a.AttrOr("title", "")))
		urls = append(urls, href)
		ids = append(ids, digits(href))
	})
	r.InvestorNumber = int32(len(names))
	if len(names) > 0 {
		joined := strings.Join(ids, ",")
		leader := records.LeaderFromIDs(joined)
		r.InvestorIDs = &joined
		r.InvestorLeaderID = &leader
		r.InvestorNames = records.Optional(glyph.Decode(strings.Join(names, ","), gm))
		r.InvestorURLs = records.Optional(strings.Join(urls, ","))
	}

	// A date that does not parse means the glyph map did not match this load.
	if _, err := time.Parse("2006-01-02", r.Date); err != nil {
		return records.Record{}, fmt.Errorf("%w: date %q", glyph.ErrDecodeUnavailable, r.Date)
	}

	r.EventID = records.DeriveEventID(r.Date, r.InvesteeID, r.LeaderID())
	return r, nil
}

func text(s *goquery.Selection) string {
	return strings.TrimSpace(s.Text())
}

// lines joins the non-blank lines of s's text with commas.
func lines(s *goquery.Selection) string {
	var parts []string
	for _, l := range strings.Split(s.Text(), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			parts = append(parts, l)
		}
	}
	return strings.Join(parts, ",")
}

func resolve(base *url.URL, href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

func digits(s string) string {
	var b strings.Builder
	for _, c := range s {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	return b.String()
}
