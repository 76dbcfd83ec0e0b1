// Package records defines the harvested investment event row and its tabular encodings.
package records

import (
	"fmt"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
)

// UnknownActorID stands in for the leader id when a listing discloses no investors.
// It only participates in event id derivation; the row itself keeps the investor
// fields absent.
const UnknownActorID = "9999999"

// LeaderIDLength is the width of a single investor id on the source site.
const LeaderIDLength = 7

// Record is one investment event decoded from a list page.
type Record struct {
	// Primary identifier: date (no dashes) + investee id + leader id
	EventID string `parquet:"event_id" validate:"required"`

	// Subject (investee)
	InvesteeID        string  `parquet:"investee_id" validate:"required,numeric"`
	InvesteeShortName string  `parquet:"investee_shortname" validate:"required"`
	InvesteeFullName  *string `parquet:"investee_fullname,optional"`
	InvesteeURL       string  `parquet:"investee_url" validate:"required,url"`

	// Actors (investors), comma-joined in listing order
	InvestorNumber   int32   `parquet:"investor_number" validate:"gte=0"`
	InvestorIDs      *string `parquet:"investor_ids,optional"`
	InvestorLeaderID *string `parquet:"investor_leader_id,optional"`
	InvestorNames    *string `parquet:"investor_names,optional"`
	InvestorURLs     *string `parquet:"investor_urls,optional"`

	// Deal
	Series     *string `parquet:"series,optional"`
	Amount     *string `parquet:"amount,optional"`
	Date       string  `parquet:"date" validate:"required,datetime=2006-01-02"`
	Industries *string `parquet:"industries,optional"`

	// Source page, kept for completeness auditing
	PageNumber int32 `parquet:"page_number" validate:"gte=1"`
}

// TableName returns the canonical table name.
func (Record) TableName() string {
	return "events"
}

// Columns lists the exported column order.
var Columns = []string{
	"event_id", "investee_id", "investee_shortname", "investee_fullname", "investee_url",
	"investor_number", "investor_ids", "investor_leader_id", "investor_names", "investor_urls",
	"series", "amount", "date", "industries", "page_number",
}

// SchemaVersion returns the version of the schema.
// Increment this when making breaking changes.
const SchemaVersion = "1.0.0"

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field presence and formats.
func (r Record) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("record %q: %w", r.EventID, err)
	}
	return nil
}

// LeaderID returns the leader id used for event id derivation.
func (r Record) LeaderID() string {
	if r.InvestorLeaderID == nil || *r.InvestorLeaderID == "" {
		return UnknownActorID
	}
	return *r.InvestorLeaderID
}

// Values returns the row as strings in Columns order. Absent values are empty.
func (r Record) Values() []string {
	return []string{
		r.EventID,
		r.InvesteeID,
		r.InvesteeShortName,
		deref(r.InvesteeFullName),
		r.InvesteeURL,
		fmt.Sprintf("%d", r.InvestorNumber),
		deref(r.InvestorIDs),
		deref(r.InvestorLeaderID),
		deref(r.InvestorNames),
		deref(r.InvestorURLs),
		deref(r.Series),
		deref(r.Amount),
		r.Date,
		deref(r.Industries),
		fmt.Sprintf("%d", r.PageNumber),
	}
}

// DeriveEventID builds the deterministic event identifier.
func DeriveEventID(date, investeeID, leaderID string) string {
	if leaderID == "" {
		leaderID = UnknownActorID
	}
	return strings.ReplaceAll(date, "-", "") + investeeID + leaderID
}

// LeaderFromIDs returns the leading investor id of a comma-joined id list.
func LeaderFromIDs(ids string) string {
	if len(ids) <= LeaderIDLength {
		return ids
	}
	return ids[:LeaderIDLength]
}

// SortByDateDesc orders rows newest first. Rows sharing a date keep their order.
func SortByDateDesc(rows []Record) {
	slices.SortStableFunc(rows, func(a, b Record) int {
		return strings.Compare(b.Date, a.Date)
	})
}

// Optional returns a pointer to s, or nil when s is blank.
func Optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
