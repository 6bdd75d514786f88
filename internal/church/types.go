package church

import "time"

// Church is one deduplicated real-world parish as persisted in the store.
//
// Text fields use the empty string for "absent"; stores persist empty values as
// NULL so that they never take part in identity matching.
type Church struct {
	ID int64 `json:"id"`

	Name string `json:"name"`
	// NameNormalized is computed by the upstream scraper and never recomputed here.
	NameNormalized string `json:"name_normalized,omitempty"`
	Jurisdiction   string `json:"jurisdiction,omitempty"`

	Street      string `json:"street,omitempty"`
	City        string `json:"city,omitempty"`
	Region      string `json:"region,omitempty"`
	PostalCode  string `json:"postal_code,omitempty"`
	FullAddress string `json:"full_address,omitempty"`

	Website string `json:"website,omitempty"`
	// WebsiteValidated is nil when the producer did not report a validation outcome.
	WebsiteValidated *bool  `json:"website_validated,omitempty"`
	ContactEmail     string `json:"contact_email,omitempty"`
	ContactPhone     string `json:"contact_phone,omitempty"`
	FoundedYear      *int   `json:"founded_year,omitempty"`
	ContactPerson    string `json:"contact_person,omitempty"`
	SearchKeywords   string `json:"search_keywords,omitempty"`

	SourceURL      string   `json:"source_url,omitempty"`
	SourceURLs     []string `json:"source_urls,omitempty"`
	ScraperVersion string   `json:"scraper_version,omitempty"`

	MergedFrom []int64    `json:"merged_from,omitempty"`
	MergedAt   *time.Time `json:"merged_at,omitempty"`

	LastUpdated time.Time `json:"last_updated"`
}

// SearchResult pairs a church with its full-text relevance score.
type SearchResult struct {
	Church
	Score float64 `json:"score"`
}

// BatchResult reports how a SaveBatch call split its input.
type BatchResult struct {
	Saved   int `json:"saved"`
	Updated int `json:"updated"`
}

// SessionStatus mirrors the scraping_sessions.status column.
type SessionStatus string

// Session statuses persisted in scraping_sessions.status.
const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionRunning, SessionCompleted, SessionFailed:
		return true
	}
	return false
}

// Session is one bounded ingestion run.
type Session struct {
	ID             string         `json:"id"`
	StartedAt      time.Time      `json:"started_at"`
	EndedAt        *time.Time     `json:"ended_at,omitempty"`
	Status         SessionStatus  `json:"status"`
	Scraped        int            `json:"total_scraped"`
	Saved          int            `json:"total_saved"`
	Duplicates     int            `json:"total_duplicates"`
	Validated      int            `json:"total_validated"`
	ErrorsCount    int            `json:"errors_count"`
	ByJurisdiction map[string]int `json:"by_jurisdiction,omitempty"`
	Config         map[string]any `json:"config,omitempty"`
	FailureReason  string         `json:"failure_reason,omitempty"`
}

// SessionStats carries the aggregate counts reported when a session closes.
type SessionStats struct {
	Scraped        int            `json:"scraped"`
	Saved          int            `json:"saved"`
	Duplicates     int            `json:"duplicates"`
	Validated      int            `json:"validated"`
	ByJurisdiction map[string]int `json:"by_jurisdiction,omitempty"`
}

// ScrapeError is an audit row describing one failure reported by the scraper.
type ScrapeError struct {
	ID           int64     `json:"id,omitempty"`
	SessionID    string    `json:"session_id,omitempty"`
	Jurisdiction string    `json:"jurisdiction,omitempty"`
	Kind         string    `json:"error_type"`
	Message      string    `json:"message"`
	URL          string    `json:"url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ValidationResult is the outcome of one reachability check for (ChurchID, URL).
type ValidationResult struct {
	ChurchID     int64     `json:"church_id"`
	URL          string    `json:"url"`
	IsValid      bool      `json:"is_valid"`
	StatusCode   int       `json:"status_code,omitempty"`
	ResponseTime int64     `json:"response_time_ms,omitempty"`
	RedirectURL  string    `json:"redirect_url,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	ValidatedAt  time.Time `json:"validated_at"`
}

// OverallStats is the headline rollup returned by Statistics.
type OverallStats struct {
	Total             int64      `json:"total_churches"`
	Jurisdictions     int64      `json:"jurisdictions"`
	WithWebsite       int64      `json:"with_website"`
	ValidatedWebsites int64      `json:"validated_websites"`
	WithEmail         int64      `json:"with_email"`
	WithPhone         int64      `json:"with_phone"`
	AvgFoundedYear    *float64   `json:"avg_founded_year,omitempty"`
	LastUpdate        *time.Time `json:"last_update,omitempty"`
}

// Count is one row of a breakdown table.
type Count struct {
	Label string `json:"label"`
	Count int64  `json:"count"`
}

// Statistics groups the overall rollup with its two breakdown tables.
type Statistics struct {
	Overall        OverallStats `json:"overall"`
	ByJurisdiction []Count      `json:"by_jurisdiction"`
	ByRegion       []Count      `json:"by_region"`
}
