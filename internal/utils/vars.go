package utils

import "regexp"

const (
	ItchBase = "itch.io"
	ItchURL  = "https://" + ItchBase
	ItchAPI  = "https://api." + ItchBase
)

// Matches https://author.itch.io/game and captures both path pieces.
var GameURLRegex = regexp.MustCompile(`^https://([\w\d\-_]+)\.itch\.io/([\w\d\-_]+)$`)

// First path segments on itch.io that serve browsable category listings
// with a hidden RSS feed behind them.
var BrowserTypes = []string{
	"games",
	"tools",
	"game-assets",
	"comics",
	"books",
	"physical-games",
	"soundtracks",
	"game-mods",
	"misc",
}

const DefaultBufferSize = 1024 * 1024 // 1MB chunks for streamed downloads

const ToolUserAgent = "itchgrab/1.0"

// Statuses worth retrying on idempotent requests.
var RetryStatuses = map[int]bool{
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}
