package keys

import (
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/itchgrab/internal/utils"
)

type ownedKey struct {
	ID     int64 `json:"id"`
	GameID int64 `json:"game_id"`
	Game   struct {
		URL string `json:"url"`
	} `json:"game"`
}

type ownedKeysPage struct {
	PerPage   int        `json:"per_page"`
	OwnedKeys []ownedKey `json:"owned_keys"`
}

// Cache holds the download keys owned by the configured account, keyed
// by game ID, along with the game URLs those keys imply. The platform
// only exposes keys through a paginated listing, so the whole set is
// fetched in one pass on first access and memoized for the process
// lifetime. Concurrent first callers block until the single population
// completes; afterwards reads are lock-free.
type Cache struct {
	client *utils.ItchClient
	once   sync.Once
	keys   map[int64]string
	urls   []string
	err    error
}

func NewCache(client *utils.ItchClient) *Cache {
	return &Cache{
		client: client,
		keys:   make(map[int64]string),
	}
}

// Get returns the download key map (game ID -> download key ID) and the
// owned game URL list. The returned values are shared and must be
// treated as read-only.
func (c *Cache) Get() (map[int64]string, []string, error) {
	c.once.Do(c.load)
	return c.keys, c.urls, c.err
}

func (c *Cache) load() {
	log.Info().Str("op", "keys").Msg("Fetching all download keys")
	page := 1
	for {
		log.Info().Str("op", "keys").Msgf("Downloading page %d (found %d keys total)", page, len(c.keys))
		var data ownedKeysPage
		opts := &utils.GetOptions{
			Params:  url.Values{"page": {strconv.Itoa(page)}},
			Timeout: 15 * time.Second,
		}
		if err := c.client.GetJSON("/profile/owned-keys", opts, &data); err != nil {
			if page == 1 {
				c.err = utils.Resolutionf("could not fetch owned keys: %v", err)
				return
			}
			log.Warn().Str("op", "keys").Err(err).Msg("Owned keys page fetch failed, stopping")
			break
		}
		if len(data.OwnedKeys) == 0 {
			break
		}
		for _, key := range data.OwnedKeys {
			c.keys[key.GameID] = strconv.FormatInt(key.ID, 10)
			c.urls = append(c.urls, key.Game.URL)
		}
		// Exactly a full page may mean more results, anything less is
		// definitely the last page.
		if len(data.OwnedKeys) == data.PerPage {
			page++
		} else {
			break
		}
	}
	log.Info().Str("op", "keys").Msgf("Fetched %d download keys", len(c.keys))
}
