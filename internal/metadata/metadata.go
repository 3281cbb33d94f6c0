package metadata

import (
	"encoding/json"
	"fmt"
	u "net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/itchgrab/internal/utils"
)

type Rating struct {
	Average float64 `json:"average"`
	Votes   int64   `json:"votes"`
}

// GameMetadata is the structured record extracted from one game page.
// Required fields are GameID, Title and URL; everything else is
// best-effort. Errors and ExternalDownloads are appended by the engine
// while it processes files, nothing else mutates the record.
type GameMetadata struct {
	GameID int64  `json:"game_id"`
	Title  string `json:"title"`
	URL    string `json:"url"`

	Errors            []string `json:"errors"`
	ExternalDownloads []string `json:"external_downloads"`

	Author    string `json:"author,omitempty"`
	AuthorURL string `json:"author_url,omitempty"`

	CoverURL    string   `json:"cover_url,omitempty"`
	Screenshots []string `json:"screenshots"`
	Description string   `json:"description,omitempty"`

	Rating *Rating `json:"rating,omitempty"`
	Extra  Infobox `json:"extra,omitempty"`

	CreatedAt   string `json:"created_at,omitempty"`
	UpdatedAt   string `json:"updated_at,omitempty"`
	ReleasedAt  string `json:"released_at,omitempty"`
	PublishedAt string `json:"published_at,omitempty"`
}

// Extract builds a GameMetadata record from a parsed game page. The
// title must come from the ld+json rating block, the page title element
// or the caller-supplied fallback; everything else degrades to empty
// fields without failing the extraction.
func Extract(gameID int64, pageURL string, doc *goquery.Document, fallbackTitle string) (*GameMetadata, error) {
	ratingJSON := ratingBlock(doc)

	title := ""
	if ratingJSON != nil {
		title, _ = ratingJSON["name"].(string)
	}
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1.game_title").First().Text())
	}
	if title == "" {
		title = fallbackTitle
	}
	if title == "" {
		return nil, utils.Resolutionf("could not find a title for %s", pageURL)
	}

	description := metaContent(doc, "property", "og:description")
	if description == "" {
		description = metaContent(doc, "name", "description")
	}

	var screenshots []string
	doc.Find("div.screenshot_list a").Each(func(_ int, link *goquery.Selection) {
		if href, exists := link.Attr("href"); exists {
			screenshots = append(screenshots, href)
		}
	})

	meta := &GameMetadata{
		GameID:      gameID,
		Title:       title,
		URL:         pageURL,
		CoverURL:    metaContent(doc, "property", "og:image"),
		Screenshots: screenshots,
		Description: description,
	}

	infoboxDiv := doc.Find("div.game_info_panel_widget").First()
	if infoboxDiv.Length() > 0 {
		infobox, err := ParseInfobox(infoboxDiv)
		if err != nil {
			return nil, err
		}
		hoistInfobox(meta, infobox, pageURL)
		meta.Extra = infobox
	}

	if ratingJSON != nil {
		if rating, ok := aggregateRating(ratingJSON); ok {
			meta.Rating = rating
		}
	}
	return meta, nil
}

// hoistInfobox promotes date and authorship rows onto the top-level
// record, leaving the rest in the free-form attribute table.
func hoistInfobox(meta *GameMetadata, infobox Infobox, pageURL string) {
	hoistDate := func(key string, dst *string) {
		if value, ok := infobox[key]; ok {
			if when, ok := value.(time.Time); ok {
				*dst = when.Format("2006-01-02T15:04:05")
			}
			delete(infobox, key)
		}
	}
	hoistDate("created_at", &meta.CreatedAt)
	hoistDate("updated_at", &meta.UpdatedAt)
	hoistDate("released_at", &meta.ReleasedAt)
	hoistDate("published_at", &meta.PublishedAt)

	if value, ok := infobox["author"]; ok {
		if author, ok := value.(AuthorInfo); ok {
			meta.Author = author.Author
			meta.AuthorURL = author.AuthorURL
		}
		delete(infobox, "author")
	}
	if _, ok := infobox["authors"]; ok && meta.Author == "" {
		// Compilations and similar pages may list multiple authors.
		meta.Author = "Multiple authors"
		if parsed, err := u.Parse(pageURL); err == nil {
			meta.AuthorURL = "https://" + parsed.Host
		}
	}
}

// ratingBlock finds the ld+json Product block most game pages embed.
func ratingBlock(doc *goquery.Document) map[string]any {
	var block map[string]any
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, node *goquery.Selection) bool {
		var ldjson map[string]any
		if err := json.Unmarshal([]byte(strings.TrimSpace(node.Text())), &ldjson); err != nil {
			return true // Can't do much with this...
		}
		if ldjson["@type"] == "Product" {
			block = ldjson
			return false
		}
		return true
	})
	return block
}

func aggregateRating(ratingJSON map[string]any) (*Rating, bool) {
	agg, ok := ratingJSON["aggregateRating"].(map[string]any)
	if !ok {
		return nil, false
	}
	average, err := toFloat(agg["ratingValue"])
	if err != nil {
		log.Warn().Str("op", "metadata").Err(err).Msg("Could not extract the rating metadata")
		return nil, false
	}
	votes, err := toFloat(agg["ratingCount"])
	if err != nil {
		log.Warn().Str("op", "metadata").Err(err).Msg("Could not extract the rating metadata")
		return nil, false
	}
	return &Rating{Average: average, Votes: int64(votes)}, true
}

func toFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case string:
		return strconv.ParseFloat(v, 64)
	}
	return 0, fmt.Errorf("unexpected rating value: %v", value)
}

// metaContent grabs <meta property="xyz" content="value"/> values.
func metaContent(doc *goquery.Document, attr, name string) string {
	return doc.Find(fmt.Sprintf(`meta[%s=%q]`, attr, name)).First().AttrOr("content", "")
}

// GameIDFromPage resolves the numeric game ID from page markup: the
// itch:path meta header first, then the I.ViewGame inline script
// config. The engine falls back to the data.json endpoint when both
// are absent.
func GameIDFromPage(doc *goquery.Document) (int64, bool) {
	// Headers: <meta name="itch:path" content="games/12345" />
	if itchPath := metaContent(doc, "name", "itch:path"); itchPath != "" {
		parts := strings.Split(itchPath, "/")
		if id, err := strconv.ParseInt(parts[len(parts)-1], 10, 64); err == nil {
			return id, true
		}
	}
	var gameID int64
	var found bool
	doc.Find(`script[type="text/javascript"]`).EachWithBreak(func(_ int, script *goquery.Selection) bool {
		src := strings.TrimSpace(script.Text())
		if strings.Contains(src, "I.ViewGame") {
			gameID, found = utils.IntAfterMarker(src, "I.ViewGame", "id")
			return false
		}
		return true
	})
	return gameID, found
}
