// Package models defines data structures for the harvester.
package models

import "time"

// ListingSource is one paginated catalog to traverse.
type ListingSource struct {
	Locator string `json:"locator"`
	Label   string `json:"label"`
}

// ItemRecord is the fetched detail record of one item. Every field is always
// present; extraction that finds nothing leaves the empty string.
type ItemRecord struct {
	SKU            string `csv:"SKU" json:"sku"`
	ProductName    string `csv:"Product Name" json:"product_name"`
	Category       string `csv:"Category" json:"category"`
	Manufacturer   string `csv:"Manufacturer" json:"manufacturer"`
	PartNumber     string `csv:"Part #" json:"part_number"`
	UNSPSC         string `csv:"UNSPSC Code" json:"unspsc_code"`
	UPC            string `csv:"UPC" json:"upc"`
	MainImage      string `csv:"Main Image" json:"main_image"`
	Description    string `csv:"Description" json:"description"`
	Specifications string `csv:"Specifications" json:"specifications"`
}

// RecordHeader is the fixed column order of persisted records.
var RecordHeader = []string{
	"SKU",
	"Product Name",
	"Category",
	"Manufacturer",
	"Part #",
	"UNSPSC Code",
	"UPC",
	"Main Image",
	"Description",
	"Specifications",
}

// Values returns the record's fields in RecordHeader order.
func (r ItemRecord) Values() []string {
	return []string{
		r.SKU,
		r.ProductName,
		r.Category,
		r.Manufacturer,
		r.PartNumber,
		r.UNSPSC,
		r.UPC,
		r.MainImage,
		r.Description,
		r.Specifications,
	}
}

// PageResult holds the successfully fetched records of one listing page.
type PageResult struct {
	Source  ListingSource
	Page    int
	Records []ItemRecord
	// Dispatched is the number of identifiers sent to the fetcher.
	Dispatched int
	// Skipped counts identifiers whose fetch failed permanently.
	Skipped int
}

// SourceResult summarises the traversal of one listing source.
type SourceResult struct {
	Source  ListingSource
	Pages   int
	Written int
	Skipped int
	Reason  string
}

// RunResult holds the overall result of a harvest run.
type RunResult struct {
	RunID        string
	StartTime    time.Time
	EndTime      time.Time
	Sources      []SourceResult
	PageCount    int
	TotalCount   int
	SkippedCount int
	ErrorCount   int
	ErrorsByType map[string]int
	RetryCount   int
	AttemptCount int
}
