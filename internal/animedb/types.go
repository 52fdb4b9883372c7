// Package animedb holds the shared model for the external anime metadata
// providers (AniList GraphQL and Jikan REST).
package animedb

import "time"

// Season is an anime broadcast season.
const (
	SeasonWinter = "WINTER"
	SeasonSpring = "SPRING"
	SeasonSummer = "SUMMER"
	SeasonFall   = "FALL"
)

// FuzzyDate is a provider date with possibly missing month/day parts.
type FuzzyDate struct {
	Year  int `json:"year"`
	Month int `json:"month"`
	Day   int `json:"day"`
}

// IsZero reports whether no usable date is present.
func (d *FuzzyDate) IsZero() bool {
	return d == nil || d.Year == 0
}

// Time normalises the date to UTC, defaulting missing month/day to 1.
func (d *FuzzyDate) Time() time.Time {
	if d.IsZero() {
		return time.Time{}
	}
	month := d.Month
	if month == 0 {
		month = 1
	}
	day := d.Day
	if day == 0 {
		day = 1
	}
	return time.Date(d.Year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}

// Titles carries the title variants of a media entry.
type Titles struct {
	Romaji  string `json:"romaji"`
	English string `json:"english"`
	Native  string `json:"native"`
}

// All returns the non-empty title variants, romaji first.
func (t Titles) All() []string {
	var out []string
	for _, v := range []string{t.Romaji, t.English, t.Native} {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Media is a provider-neutral anime metadata record.
type Media struct {
	ID         int64      `json:"id"`
	MALID      int64      `json:"malId,omitempty"`
	Titles     Titles     `json:"titles"`
	StartDate  *FuzzyDate `json:"startDate,omitempty"`
	EndDate    *FuzzyDate `json:"endDate,omitempty"`
	Episodes   int        `json:"episodes"`
	SeasonYear int        `json:"seasonYear,omitempty"`
	Season     string     `json:"season,omitempty"`
	Format     string     `json:"format,omitempty"`
	Airing     bool       `json:"airing"`
}
