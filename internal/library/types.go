// Package library holds the locally persisted view of series, seasons and
// root folders, synced from the library manager.
package library

import "time"

// Language is the dubbed/subbed preference for a series.
type Language string

const (
	LanguageDub            Language = "dub"
	LanguageSub            Language = "sub"
	LanguageDubFallbackSub Language = "dub_fallback_sub"
)

// Valid reports whether l is a recognized language preference.
func (l Language) Valid() bool {
	switch l {
	case LanguageDub, LanguageSub, LanguageDubFallbackSub:
		return true
	}
	return false
}

// SeriesStatus is the airing status of a series.
type SeriesStatus string

const (
	SeriesOngoing   SeriesStatus = "ongoing"
	SeriesCompleted SeriesStatus = "completed"
	SeriesCancelled SeriesStatus = "cancelled"
)

// SeasonStatus tracks download progress for a season.
type SeasonStatus string

const (
	SeasonNotStarted  SeasonStatus = "not_started"
	SeasonDownloading SeasonStatus = "downloading"
	SeasonCompleted   SeasonStatus = "completed"
)

// AlternateTitle is a scene title variant for a series. SceneSeasonNumber < 0
// means the title applies to the whole series.
type AlternateTitle struct {
	Title             string `json:"title"`
	SceneSeasonNumber int    `json:"sceneSeasonNumber"`
}

// Series is a locally persisted series record. Created and updated only by
// the metadata synchroniser; soft-deleted when absent from the library
// manager.
type Series struct {
	ID                 int64            `json:"id"`
	SonarrID           int64            `json:"sonarrId"`
	Title              string           `json:"title"`
	Description        string           `json:"description"`
	Status             SeriesStatus     `json:"status"`
	TotalSeasons       int              `json:"totalSeasons"`
	PosterURL          string           `json:"posterUrl"`
	PosterPath         string           `json:"posterPath"`
	PosterDownloadedAt *time.Time       `json:"posterDownloadedAt,omitempty"`
	AlternateTitles    []AlternateTitle `json:"alternateTitles"`
	Genres             []string         `json:"genres"`
	Year               int              `json:"year"`
	Network            string           `json:"network"`
	PreferredLanguage  *Language        `json:"preferredLanguage,omitempty"`
	Absolute           bool             `json:"absolute"`
	Deleted            bool             `json:"deleted"`
	CreatedAt          time.Time        `json:"createdAt"`
	UpdatedAt          time.Time        `json:"updatedAt"`
}

// Season is a locally persisted season record. DownloadURLs is an ordered
// list of source-site identifiers, one per part, in air-date order. A nil
// and an empty list both mean "no identifier known".
type Season struct {
	ID              int64        `json:"id"`
	SeriesID        int64        `json:"seriesId"`
	SeasonNumber    int          `json:"seasonNumber"`
	Title           string       `json:"title"`
	TotalEpisodes   int          `json:"totalEpisodes"`
	MissingEpisodes int          `json:"missingEpisodes"`
	Status          SeasonStatus `json:"status"`
	DownloadURLs    []string     `json:"downloadUrls"`
	Deleted         bool         `json:"deleted"`
	ReleaseDate     *time.Time   `json:"releaseDate,omitempty"`
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}

// RootFolder maps the library manager's filesystem view onto the local one.
type RootFolder struct {
	ID         int64     `json:"id"`
	SonarrID   int64     `json:"sonarrId"`
	Path       string    `json:"path"`
	MappedPath string    `json:"mappedPath,omitempty"`
	Accessible bool      `json:"accessible"`
	FreeSpace  int64     `json:"freeSpace"`
	TotalSpace int64     `json:"totalSpace"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}
