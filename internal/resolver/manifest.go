package resolver

import (
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/tanq16/itchgrab/internal/utils"
)

// resolveManifest reads a local file as either a jam entries JSON
// (an object with a jam_games array) or a plain list of URLs, one per
// line. Anything else cannot be resolved.
func (r *Resolver) resolveManifest(path string) ([]string, error) {
	data, err := afero.ReadFile(r.Fs, path)
	if err != nil {
		return nil, utils.Resolutionf("could not read manifest file %s: %v", path, err)
	}

	var manifest map[string]json.RawMessage
	if err := json.Unmarshal(data, &manifest); err == nil {
		if _, ok := manifest["jam_games"]; ok {
			log.Info().Str("op", "resolver").Msg("Parsing provided file as a game jam entries JSON")
			return parseJamGames(data)
		}
	}

	var urls []string
	for _, line := range strings.Split(string(data), "\n") {
		link := strings.TrimSpace(line)
		if strings.HasPrefix(link, "https://") || strings.HasPrefix(link, "http://") {
			urls = append(urls, link)
		}
	}
	if len(urls) > 0 {
		log.Info().Str("op", "resolver").Msg("Parsing provided file as a list of URLs to fetch")
		return urls, nil
	}

	return nil, utils.Resolutionf("file format is unknown, cannot read URLs to download: %s", path)
}

func parseJamGames(data []byte) ([]string, error) {
	var manifest struct {
		JamGames []jamEntry `json:"jam_games"`
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, utils.Resolutionf("provided JSON is not a valid jam entries document: %v", err)
	}
	if _, ok := probe["jam_games"]; !ok {
		return nil, utils.Resolutionf("provided JSON is not a valid jam entries document: no jam_games")
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, utils.Resolutionf("could not parse jam entries: %v", err)
	}
	urls := make([]string, 0, len(manifest.JamGames))
	for _, entry := range manifest.JamGames {
		urls = append(urls, entry.Game.URL)
	}
	return urls, nil
}
