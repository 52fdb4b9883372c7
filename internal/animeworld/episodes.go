package animeworld

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Episode is one entry of an anime page's episode list.
type Episode struct {
	Number int
	Href   string
}

// EpisodesFromIdentifier lists the episodes published for one site entry.
func (c *Client) EpisodesFromIdentifier(ctx context.Context, identifier string) ([]Episode, error) {
	base, err := c.baseURL(ctx)
	if err != nil {
		return nil, err
	}

	doc, err := c.getDocument(ctx, base+"/play/"+identifier)
	if err != nil {
		return nil, err
	}
	return parseEpisodes(doc), nil
}

func parseEpisodes(doc *goquery.Document) []Episode {
	var out []Episode
	doc.Find("ul.episodes li.episode").Each(func(_ int, li *goquery.Selection) {
		a := li.Find("[data-episode-num]").First()
		num, ok := a.Attr("data-episode-num")
		if !ok {
			return
		}
		// Specials show up as fractional numbers like "7.5"; those never
		// map to a library episode, so they are skipped.
		n, err := strconv.Atoi(strings.TrimSpace(num))
		if err != nil {
			return
		}
		href, _ := a.Attr("href")
		out = append(out, Episode{Number: n, Href: href})
	})
	return out
}

// EpisodesFromMultipleIdentifiers concatenates the episode lists of a
// multi-part season. Episode numbers of later parts are offset by the
// highest number of every earlier part, so part 2 episode 1 becomes the
// episode after part 1's last.
func (c *Client) EpisodesFromMultipleIdentifiers(ctx context.Context, identifiers []string) ([]Episode, error) {
	var out []Episode
	offset := 0
	for _, id := range identifiers {
		eps, err := c.EpisodesFromIdentifier(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to list episodes for %s: %w", id, err)
		}
		maxNum := 0
		for _, ep := range eps {
			if ep.Number > maxNum {
				maxNum = ep.Number
			}
			out = append(out, Episode{Number: ep.Number + offset, Href: ep.Href})
		}
		offset += maxNum
	}
	return out, nil
}

// DownloadLinkForEpisode fetches an episode page and extracts the direct
// download URL.
func (c *Client) DownloadLinkForEpisode(ctx context.Context, episodeHref string) (string, error) {
	base, err := c.baseURL(ctx)
	if err != nil {
		return "", err
	}

	doc, err := c.getDocument(ctx, absoluteURL(base, episodeHref))
	if err != nil {
		return "", err
	}

	link, ok := doc.Find("#download center a[download]").First().Attr("href")
	if !ok || link == "" {
		// Some pages carry the link without the download attribute.
		link, ok = doc.Find("#download a#alternativeDownloadLink").First().Attr("href")
	}
	if !ok || strings.TrimSpace(link) == "" {
		return "", ErrNoDownloadLink
	}
	return strings.TrimSpace(link), nil
}

// FindEpisodeDownloadLink resolves episode episodeNumber across the parts of
// a matched season and returns its direct download URL.
func (c *Client) FindEpisodeDownloadLink(ctx context.Context, identifiers []string, episodeNumber int) (string, error) {
	episodes, err := c.EpisodesFromMultipleIdentifiers(ctx, identifiers)
	if err != nil {
		return "", err
	}
	for _, ep := range episodes {
		if ep.Number == episodeNumber {
			link, err := c.DownloadLinkForEpisode(ctx, ep.Href)
			if err != nil {
				return "", err
			}
			c.logger.Debug().Int("episode", episodeNumber).Msg("resolved download link")
			return link, nil
		}
	}
	return "", fmt.Errorf("%w: episode %d", ErrEpisodeNotFound, episodeNumber)
}
