package resolver

import (
	"encoding/xml"
	"fmt"
	"io"
	u "net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/tanq16/itchgrab/internal/keys"
	"github.com/tanq16/itchgrab/internal/utils"
)

// Resolver turns one heterogeneous input (URL or manifest path) into a
// flat list of canonical game URLs. Every URL it produces is directly
// downloadable by the engine without further input.
type Resolver struct {
	Client *utils.ItchClient
	Keys   *keys.Cache
	Fs     afero.Fs
}

func New(client *utils.ItchClient, keyCache *keys.Cache, fsys afero.Fs) *Resolver {
	return &Resolver{Client: client, Keys: keyCache, Fs: fsys}
}

func (r *Resolver) Resolve(input string) ([]string, error) {
	target := Classify(input, r.Fs)
	switch target.Kind {
	case KindLocalManifest:
		return r.resolveManifest(target.Path)
	case KindJam:
		return r.resolveJam(target.URL)
	case KindBrowse:
		return r.resolveBrowse(target.URL)
	case KindCollection:
		return r.resolveCollection(target.ID)
	case KindCreator:
		return r.resolveCreator(target.Creator)
	case KindOwnedKeys:
		_, urls, err := r.Keys.Get()
		return urls, err
	case KindSingleGame:
		return []string{target.URL}, nil
	}
	return nil, &utils.ResolutionError{Reason: target.Reason}
}

type jamEntry struct {
	Game struct {
		URL string `json:"url"`
	} `json:"game"`
}

func (r *Resolver) resolveJam(jamURL string) ([]string, error) {
	resp, err := r.Client.Get(jamURL, nil)
	if err != nil {
		return nil, utils.Resolutionf("could not download the game jam site: %v", err)
	}
	defer resp.Body.Close()
	if !utils.IsOK(resp.StatusCode) {
		return nil, utils.Resolutionf("could not download the game jam site: %d %s", resp.StatusCode, resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, utils.Resolutionf("could not read the game jam site: %v", err)
	}

	jamID, found := utils.IntAfterMarker(string(body), "I.ViewJam", "id")
	if !found {
		return nil, utils.Resolutionf("provided site did not contain the game jam ID; " +
			"provide the path to the jam entries JSON file instead")
	}
	log.Info().Str("op", "resolver").Msgf("Extracted game jam ID: %d", jamID)

	entriesURL := fmt.Sprintf("%s/jam/%d/entries.json", utils.ItchURL, jamID)
	resp, err = r.Client.Get(entriesURL, nil)
	if err != nil {
		return nil, utils.Resolutionf("could not download the game jam entries list: %v", err)
	}
	defer resp.Body.Close()
	if !utils.IsOK(resp.StatusCode) {
		return nil, utils.Resolutionf("could not download the game jam entries list: %d %s", resp.StatusCode, resp.Status)
	}
	entries, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, utils.Resolutionf("could not read the game jam entries list: %v", err)
	}
	return parseJamGames(entries)
}

type rssItem struct {
	Link string `xml:"link"`
}

type rssFeed struct {
	Items []rssItem `xml:"channel>item"`
}

// resolveBrowse walks the hidden RSS feed behind a browse/category
// page. An optional "page" parameter iterates over its contents; when
// no more elements are available, the returned channel has no items.
func (r *Resolver) resolveBrowse(browseURL string) ([]string, error) {
	page := 1
	found := make(map[string]struct{})
	log.Info().Str("op", "resolver").Msgf("Scraping game URLs from RSS feeds for %s", browseURL)

	for {
		log.Info().Str("op", "resolver").Msgf("Downloading page %d (found %d URLs total)", page, len(found))
		opts := &utils.GetOptions{
			NoAPIKey: true,
			Params:   u.Values{"page": {strconv.Itoa(page)}},
		}
		resp, err := r.Client.Get(browseURL+".xml", opts)
		if err != nil {
			log.Info().Str("op", "resolver").Err(err).Msg("RSS feed fetch failed, finished")
			break
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if !utils.IsOK(resp.StatusCode) || readErr != nil {
			log.Info().Str("op", "resolver").Msgf("RSS feed returned %s, finished", resp.Status)
			break
		}
		var feed rssFeed
		if err := xml.Unmarshal(body, &feed); err != nil {
			log.Warn().Str("op", "resolver").Err(err).Msg("RSS feed unparseable, finished")
			break
		}
		if len(feed.Items) < 1 {
			log.Info().Str("op", "resolver").Msg("No more items, finished")
			break
		}
		for _, item := range feed.Items {
			link := strings.TrimSpace(item.Link)
			if len(link) > 0 {
				found[link] = struct{}{}
			}
		}
		page++
	}

	if len(found) == 0 {
		return nil, utils.Resolutionf("no game URLs found to download")
	}
	urls := make([]string, 0, len(found))
	for url := range found {
		urls = append(urls, url)
	}
	return urls, nil
}

type collectionPage struct {
	PerPage         int `json:"per_page"`
	CollectionGames []struct {
		Game struct {
			URL string `json:"url"`
		} `json:"game"`
	} `json:"collection_games"`
}

func (r *Resolver) resolveCollection(collectionID string) ([]string, error) {
	endpoint := fmt.Sprintf("/collections/%s/collection-games", collectionID)
	page := 1
	found := make(map[string]struct{})

	for {
		log.Info().Str("op", "resolver").Msgf("Downloading page %d (found %d URLs total)", page, len(found))
		var data collectionPage
		opts := &utils.GetOptions{
			Params:  u.Values{"page": {strconv.Itoa(page)}},
			Timeout: 15 * time.Second,
		}
		if err := r.Client.GetJSON(endpoint, opts, &data); err != nil {
			log.Info().Str("op", "resolver").Err(err).Msgf("Collection page %d failed, finished", page)
			break
		}
		if len(data.CollectionGames) < 1 {
			log.Info().Str("op", "resolver").Msg("No more items, finished")
			break
		}
		for _, item := range data.CollectionGames {
			found[item.Game.URL] = struct{}{}
		}
		// A partially filled page is always the last one.
		if len(data.CollectionGames) == data.PerPage {
			page++
		} else {
			break
		}
	}

	if len(found) == 0 {
		return nil, utils.Resolutionf("no game URLs found to download")
	}
	urls := make([]string, 0, len(found))
	for url := range found {
		urls = append(urls, url)
	}
	return urls, nil
}

func (r *Resolver) resolveCreator(creator string) ([]string, error) {
	log.Info().Str("op", "resolver").Msgf("Downloading public games for creator %s", creator)
	resp, err := r.Client.Get(fmt.Sprintf("%s/profile/%s", utils.ItchURL, creator), &utils.GetOptions{NoAPIKey: true})
	if err != nil {
		return nil, utils.Resolutionf("could not fetch the creator page: %v", err)
	}
	defer resp.Body.Close()
	if !utils.IsOK(resp.StatusCode) {
		return nil, utils.Resolutionf("could not fetch the creator page: HTTP %d %s", resp.StatusCode, resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, utils.Resolutionf("could not parse the creator page: %v", err)
	}
	prefix := fmt.Sprintf("https://%s.%s/", creator, utils.ItchBase)
	found := make(map[string]struct{})
	doc.Find("a.game_link").Each(func(_ int, link *goquery.Selection) {
		href, exists := link.Attr("href")
		if exists && strings.HasPrefix(href, prefix) {
			found[href] = struct{}{}
		}
	})

	urls := make([]string, 0, len(found))
	for url := range found {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	return urls, nil
}
