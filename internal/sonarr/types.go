package sonarr

import "time"

// Series is the library manager's series resource (api/v3/series).
type Series struct {
	ID              int64            `json:"id"`
	Title           string           `json:"title"`
	AlternateTitles []AlternateTitle `json:"alternateTitles"`
	Overview        string           `json:"overview"`
	Status          string           `json:"status"`
	Network         string           `json:"network"`
	Year            int              `json:"year"`
	Path            string           `json:"path"`
	SeriesType      string           `json:"seriesType"`
	Monitored       bool             `json:"monitored"`
	Genres          []string         `json:"genres"`
	Tags            []int64          `json:"tags"`
	Images          []Image          `json:"images"`
	Seasons         []Season         `json:"seasons"`
	Statistics      SeriesStatistics `json:"statistics"`
}

// AlternateTitle is a scene title variant.
type AlternateTitle struct {
	Title             string `json:"title"`
	SceneSeasonNumber *int   `json:"sceneSeasonNumber,omitempty"`
}

// Image is a series artwork reference.
type Image struct {
	CoverType string `json:"coverType"`
	URL       string `json:"url"`
	RemoteURL string `json:"remoteUrl"`
}

// Season is the per-season block embedded in a series resource.
type Season struct {
	SeasonNumber int              `json:"seasonNumber"`
	Monitored    bool             `json:"monitored"`
	Statistics   SeasonStatistics `json:"statistics"`
}

// SeasonStatistics carries episode counts for a season.
type SeasonStatistics struct {
	EpisodeFileCount  int `json:"episodeFileCount"`
	EpisodeCount      int `json:"episodeCount"`
	TotalEpisodeCount int `json:"totalEpisodeCount"`
}

// SeriesStatistics carries series-level episode counts.
type SeriesStatistics struct {
	SeasonCount       int `json:"seasonCount"`
	EpisodeFileCount  int `json:"episodeFileCount"`
	EpisodeCount      int `json:"episodeCount"`
	TotalEpisodeCount int `json:"totalEpisodeCount"`
}

// PosterURL returns the remote poster URL, if any.
func (s *Series) PosterURL() string {
	for _, img := range s.Images {
		if img.CoverType == "poster" {
			if img.RemoteURL != "" {
				return img.RemoteURL
			}
			return img.URL
		}
	}
	return ""
}

// Episode is the library manager's episode resource.
type Episode struct {
	ID                    int64      `json:"id"`
	SeriesID              int64      `json:"seriesId"`
	SeasonNumber          int        `json:"seasonNumber"`
	EpisodeNumber         int        `json:"episodeNumber"`
	AbsoluteEpisodeNumber *int       `json:"absoluteEpisodeNumber,omitempty"`
	Title                 string     `json:"title"`
	AirDateUTC            *time.Time `json:"airDateUtc,omitempty"`
	HasFile               bool       `json:"hasFile"`
	Monitored             bool       `json:"monitored"`
	EpisodeFileID         int64      `json:"episodeFileId"`
	Series                *Series    `json:"series,omitempty"`
}

// WantedMissingPage is one page of the wanted/missing listing.
type WantedMissingPage struct {
	Page         int       `json:"page"`
	PageSize     int       `json:"pageSize"`
	TotalRecords int       `json:"totalRecords"`
	Records      []Episode `json:"records"`
}

// RootFolder is the library manager's root folder resource.
type RootFolder struct {
	ID         int64  `json:"id"`
	Path       string `json:"path"`
	Accessible bool   `json:"accessible"`
	FreeSpace  int64  `json:"freeSpace"`
	TotalSpace int64  `json:"totalSpace"`
}

// Tag is a library-manager tag.
type Tag struct {
	ID    int64  `json:"id"`
	Label string `json:"label"`
}

// Notification is a library-manager notification configuration. Fields is a
// heterogeneous per-implementation list, queried by name.
type Notification struct {
	ID             int64               `json:"id"`
	Name           string              `json:"name"`
	Implementation string              `json:"implementation"`
	OnDownload     bool                `json:"onDownload"`
	Fields         []NotificationField `json:"fields"`
}

// NotificationField is one entry of a notification's fields array.
type NotificationField struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Field returns a string field value by name. The boolean reports whether
// the field is present and non-empty.
func (n *Notification) Field(name string) (string, bool) {
	for _, f := range n.Fields {
		if f.Name != name {
			continue
		}
		if s, ok := f.Value.(string); ok && s != "" {
			return s, true
		}
		return "", false
	}
	return "", false
}

// StringSliceField returns a string-list field value by name.
func (n *Notification) StringSliceField(name string) []string {
	for _, f := range n.Fields {
		if f.Name != name {
			continue
		}
		raw, ok := f.Value.([]any)
		if !ok {
			return nil
		}
		out := make([]string, 0, len(raw))
		for _, v := range raw {
			if s, ok := v.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// SeasonAirDateInfo is the computed air-date window for a season.
type SeasonAirDateInfo struct {
	HasValidAirDate bool       `json:"hasValidAirDate"`
	StartDate       *time.Time `json:"startDate,omitempty"`
	EndDate         *time.Time `json:"endDate,omitempty"`
}

// SystemStatus is the health probe response.
type SystemStatus struct {
	AppName string `json:"appName"`
	Version string `json:"version"`
}
