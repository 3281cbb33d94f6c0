package metadata

import (
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/tanq16/itchgrab/internal/utils"
)

// Infobox is the parsed form of the game_info_panel_widget attribute
// table. Values are strings, string slices, link maps (text -> URL),
// AuthorInfo or time.Time depending on the row.
type Infobox map[string]any

type AuthorInfo struct {
	Author    string `json:"author"`
	AuthorURL string `json:"author_url"`
}

// ParseInfobox walks every row of the infobox table through a closed
// vocabulary of known attribute names. An unknown name is a hard error
// rather than a silent drop, so platform format drift surfaces
// immediately instead of losing data.
func ParseInfobox(infobox *goquery.Selection) (Infobox, error) {
	meta := Infobox{}
	var rowErr error
	infobox.Find("tr").EachWithBreak(func(_ int, tr *goquery.Selection) bool {
		tds := tr.Find("td")
		if tds.Length() < 2 {
			return true
		}
		name := strings.TrimSpace(tds.Eq(0).Text())
		key, value, err := parseRow(name, tds.Eq(1))
		if err != nil {
			rowErr = err
			return false
		}
		if key != "" && value != nil {
			meta[key] = value
		}
		return true
	})
	if rowErr != nil {
		return nil, rowErr
	}
	return meta, nil
}

func parseRow(name string, content *goquery.Selection) (string, any, error) {
	switch name {
	case "Updated":
		return "updated_at", parseDateBlock(content), nil
	case "Release date":
		return "released_at", parseDateBlock(content), nil
	case "Published":
		return "published_at", parseDateBlock(content), nil
	case "Status":
		return "status", firstLinkText(content), nil
	case "Platforms":
		return "platforms", parseTextFromLinks(content), nil
	case "Publisher":
		return "publisher", strings.TrimSpace(content.Text()), nil
	case "Rating":
		return "", nil, nil // Read the AggregatedRating block instead!
	case "Author":
		links := parseLinks(content)
		for author, authorURL := range links {
			return "author", AuthorInfo{Author: author, AuthorURL: authorURL}, nil
		}
		return "", nil, nil
	case "Authors":
		return "authors", parseLinks(content), nil
	case "Genre":
		return "genre", parseLinks(content), nil
	case "Made with":
		return "tools", parseLinks(content), nil
	case "License":
		return "license", parseLinks(content), nil
	case "Code license":
		return "code_license", parseLinks(content), nil
	case "Asset license":
		return "asset_license", parseLinks(content), nil
	case "Tags":
		return "tags", parseLinks(content), nil
	case "Average session":
		return "length", firstLinkText(content), nil
	case "Languages":
		return "languages", parseLinks(content), nil
	case "Multiplayer":
		return "multiplayer", parseLinks(content), nil
	case "Player count":
		return "player_count", strings.TrimSpace(content.Text()), nil
	case "Accessibility":
		return "accessibility", parseLinks(content), nil
	case "Inputs":
		return "inputs", parseLinks(content), nil
	case "Links":
		return "links", parseLinks(content), nil
	case "Mentions":
		return "mentions", parseLinks(content), nil
	case "Category":
		return "category", parseLinks(content), nil
	}
	return "", nil, utils.Resolutionf("unknown infobox block name %q", name)
}

// parseDateBlock reads the <abbr title="02 January 2006 @ 15:04 UTC">
// timestamp format the platform renders date rows with.
func parseDateBlock(td *goquery.Selection) any {
	title, exists := td.Find("abbr").First().Attr("title")
	if !exists {
		return nil
	}
	parts := strings.SplitN(title, "@", 2)
	if len(parts) != 2 {
		return nil
	}
	date, err := time.Parse("2 January 2006", strings.TrimSpace(parts[0]))
	if err != nil {
		return nil
	}
	clock, err := time.Parse("15:04 UTC", strings.TrimSpace(parts[1]))
	if err != nil {
		return nil
	}
	return time.Date(date.Year(), date.Month(), date.Day(), clock.Hour(), clock.Minute(), 0, 0, time.UTC)
}

// parseLinks turns a block of <a> elements into a map of link text to
// the URL it points at.
func parseLinks(td *goquery.Selection) map[string]string {
	links := make(map[string]string)
	td.Find("a").Each(func(_ int, link *goquery.Selection) {
		links[strings.TrimSpace(link.Text())] = link.AttrOr("href", "")
	})
	return links
}

func parseTextFromLinks(td *goquery.Selection) []string {
	var texts []string
	td.Find("a").Each(func(_ int, link *goquery.Selection) {
		texts = append(texts, strings.TrimSpace(link.Text()))
	})
	return texts
}

func firstLinkText(td *goquery.Selection) string {
	texts := parseTextFromLinks(td)
	if len(texts) == 0 {
		return ""
	}
	return texts[0]
}
