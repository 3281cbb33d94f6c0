package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	u "net/url"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/tanq16/itchgrab/internal/metadata"
	"github.com/tanq16/itchgrab/internal/utils"
)

// DownloadResult is the aggregated outcome for one game job. Success
// is exactly "zero entries in the error list after all steps".
type DownloadResult struct {
	URL          string
	Success      bool
	Errors       []string
	ExternalURLs []string
}

type Settings struct {
	DownloadTo          string
	MirrorWeb           bool
	Force               bool
	FilterFilesGlob     string
	FilterFilesRegex    string
	FilterFilesPlatform string
}

type targetPaths struct {
	root        string
	site        string
	cover       string
	metadata    string
	files       string
	screenshots string
}

func newTargetPaths(root string) targetPaths {
	return targetPaths{
		root:        root,
		site:        filepath.Join(root, "site.html"),
		cover:       filepath.Join(root, "cover"),
		metadata:    filepath.Join(root, "metadata.json"),
		files:       filepath.Join(root, "files"),
		screenshots: filepath.Join(root, "screenshots"),
	}
}

// upload is one distributable unit as the uploads API reports it.
// Pointer fields distinguish absent keys from zero values; records
// missing any required key are skipped with a recorded error.
type upload struct {
	ID       *int64  `json:"id"`
	Filename *string `json:"filename"`
	Size     *int64  `json:"size"`
	Storage  *string `json:"storage"`
	Type     string  `json:"type"`
	PWindows bool    `json:"p_windows"`
	PLinux   bool    `json:"p_linux"`
	POSX     bool    `json:"p_osx"`
	PAndroid bool    `json:"p_android"`
}

func (up *upload) hasPlatform(trait string) bool {
	switch strings.ToLower(trait) {
	case "windows":
		return up.PWindows
	case "linux":
		return up.PLinux
	case "osx", "mac", "macos":
		return up.POSX
	case "android":
		return up.PAndroid
	}
	return false
}

func (up *upload) tagged() bool {
	return up.PWindows || up.PLinux || up.POSX || up.PAndroid
}

// Downloader fetches one game per Download call: page, metadata, file
// listing, per-file streaming, verification and artifact persistence. It
// is shared across scheduler workers; the client and key map are safe for
// concurrent reads and destinations are partitioned per game.
type Downloader struct {
	settings    Settings
	keys        map[int64]string
	client      *utils.ItchClient
	fs          afero.Fs
	filterRegex *regexp.Regexp
}

func NewDownloader(settings Settings, downloadKeys map[int64]string, client *utils.ItchClient, fsys afero.Fs) (*Downloader, error) {
	d := &Downloader{
		settings: settings,
		keys:     downloadKeys,
		client:   client,
		fs:       fsys,
	}
	if settings.FilterFilesRegex != "" {
		compiled, err := utils.CompileFullMatch(settings.FilterFilesRegex)
		if err != nil {
			return nil, fmt.Errorf("invalid file filter regex %q: %v", settings.FilterFilesRegex, err)
		}
		d.filterRegex = compiled
	}
	return d, nil
}

func failed(url string, reason string) *DownloadResult {
	return &DownloadResult{URL: url, Success: false, Errors: []string{reason}}
}

// Download processes one game URL end to end and never returns an
// error; every failure lands in the result instead.
func (d *Downloader) Download(gameURL string) *DownloadResult {
	match := utils.GameURLRegex.FindStringSubmatch(gameURL)
	if match == nil {
		return failed(gameURL, fmt.Sprintf("game URL is invalid: %s", gameURL))
	}
	author, game := match[1], match[2]
	paths := newTargetPaths(filepath.Join(d.settings.DownloadTo, author, game))

	if exists, _ := afero.Exists(d.fs, paths.metadata); exists && !d.settings.Force {
		// Metadata is the final artifact we write, so its presence
		// means the whole game is already on disk.
		log.Info().Str("op", "engine").Msgf("Skipping already-downloaded game for URL: %s", gameURL)
		return &DownloadResult{URL: gameURL, Success: true, Errors: []string{"Game already downloaded."}}
	}
	if err := d.fs.MkdirAll(paths.root, 0755); err != nil {
		return failed(gameURL, fmt.Sprintf("could not create download directory: %v", err))
	}

	log.Info().Str("op", "engine").Msgf("Downloading %s", gameURL)
	site, err := d.fetchSite(gameURL)
	if err != nil {
		return failed(gameURL, fmt.Sprintf("could not download the game site for %s: %v", gameURL, err))
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(site))
	if err != nil {
		return failed(gameURL, fmt.Sprintf("could not parse the game site for %s: %v", gameURL, err))
	}

	gameID, err := d.resolveGameID(gameURL, doc)
	if err != nil {
		return failed(gameURL, err.Error())
	}
	meta, err := metadata.Extract(gameID, gameURL, doc, game)
	if err != nil {
		return failed(gameURL, err.Error())
	}
	title := meta.Title

	credentials := u.Values{}
	if keyID, owned := d.keys[gameID]; owned {
		credentials.Set("download_key_id", keyID)
		log.Debug().Str("op", "engine").Msgf("Got credentials for %s: %s", title, keyID)
	}

	var uploadList struct {
		Uploads []upload `json:"uploads"`
	}
	opts := &utils.GetOptions{Params: credentials, Timeout: 15 * time.Second}
	if err := d.client.GetJSON(fmt.Sprintf("/games/%d/uploads", gameID), opts, &uploadList); err != nil {
		return failed(gameURL, fmt.Sprintf("could not fetch game uploads for %s: %v", title, err))
	}
	log.Debug().Str("op", "engine").Msgf("Found %d upload(s) for %s", len(uploadList.Uploads), title)

	errors, externalURLs := d.downloadUploads(uploadList.Uploads, paths, credentials, title)
	meta.Errors = errors
	meta.ExternalDownloads = externalURLs
	if len(externalURLs) > 0 {
		log.Warn().Str("op", "engine").Msgf("Game %s has external download URLs: %v", title, externalURLs)
	}

	// Asset mirroring is best-effort: its failures are recorded in the
	// error list but never flip the outcome on their own.
	hardErrors := len(meta.Errors)
	d.mirrorAssets(meta, paths)

	if err := afero.WriteFile(d.fs, paths.site, site, 0644); err != nil {
		meta.Errors = append(meta.Errors, fmt.Sprintf("Could not write the site snapshot: %v", err))
		hardErrors++
	}
	metaJSON, err := json.MarshalIndent(meta, "", "    ")
	if err == nil {
		err = afero.WriteFile(d.fs, paths.metadata, metaJSON, 0644)
	}
	if err != nil {
		meta.Errors = append(meta.Errors, fmt.Sprintf("Could not write the metadata document: %v", err))
		hardErrors++
	}

	if len(meta.Errors) > 0 {
		log.Error().Str("op", "engine").Msgf("Game %s has download errors: %v", title, meta.Errors)
	}
	log.Info().Str("op", "engine").Msgf("Finished job %s (%s)", gameURL, title)
	return &DownloadResult{
		URL:          gameURL,
		Success:      hardErrors == 0,
		Errors:       meta.Errors,
		ExternalURLs: externalURLs,
	}
}

func (d *Downloader) fetchSite(gameURL string) ([]byte, error) {
	resp, err := d.client.Get(gameURL, &utils.GetOptions{NoAPIKey: true})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if !utils.IsOK(resp.StatusCode) {
		return nil, fmt.Errorf("HTTP %d %s", resp.StatusCode, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// resolveGameID tries the page markup first and falls back to the
// game's data.json endpoint when the markup has no usable ID.
func (d *Downloader) resolveGameID(gameURL string, doc *goquery.Document) (int64, error) {
	if gameID, found := metadata.GameIDFromPage(doc); found {
		return gameID, nil
	}

	// We have to hit the server again :(
	dataURL := strings.TrimRight(gameURL, "/") + "/data.json"
	resp, err := d.client.Get(dataURL, &utils.GetOptions{NoAPIKey: true})
	if err == nil {
		defer resp.Body.Close()
		if utils.IsOK(resp.StatusCode) {
			var gameData struct {
				ID     *int64          `json:"id"`
				Errors json.RawMessage `json:"errors"`
			}
			if decodeErr := json.NewDecoder(resp.Body).Decode(&gameData); decodeErr == nil {
				if gameData.Errors != nil {
					return 0, utils.Resolutionf("game data fetching failed for %s (likely access restricted): %s",
						gameURL, string(gameData.Errors))
				}
				if gameData.ID != nil {
					return *gameData.ID, nil
				}
			}
		}
	}
	return 0, utils.Resolutionf("could not get the game ID for URL: %s", gameURL)
}

func (d *Downloader) downloadUploads(uploads []upload, paths targetPaths, credentials u.Values, title string) ([]string, []string) {
	var errors []string
	var externalURLs []string

	if err := d.fs.MkdirAll(paths.files, 0755); err != nil {
		return []string{fmt.Sprintf("could not create the files directory: %v", err)}, nil
	}
	for _, up := range uploads {
		if up.ID == nil || up.Filename == nil || up.Storage == nil {
			errors = append(errors, fmt.Sprintf("Upload metadata incomplete: %+v", up))
			continue
		}
		uploadID := *up.ID
		fileName := *up.Filename
		isExternal := *up.Storage == "external"

		if skip, reason := d.skipUpload(&up, fileName); skip {
			log.Info().Str("op", "engine").Msg(reason)
			continue
		}

		if up.Size != nil {
			log.Debug().Str("op", "engine").Msgf("Downloading %q (%d), %s", fileName, uploadID, utils.FormatBytes(uint64(*up.Size)))
		} else {
			log.Debug().Str("op", "engine").Msgf("Downloading %q (%d), unknown size", fileName, uploadID)
		}

		targetPath := ""
		if !isExternal {
			targetPath = filepath.Join(paths.files, fileName)
		}
		finalURL, err := d.downloadFile(fmt.Sprintf("/uploads/%d/download", uploadID), targetPath, credentials)
		if err != nil {
			errors = append(errors, fmt.Sprintf("Download failed for upload %q (%d): %v", fileName, uploadID, err))
			continue
		}
		if isExternal {
			log.Debug().Str("op", "engine").Msgf("Found external download URL for %s: %s", title, finalURL)
			externalURLs = append(externalURLs, finalURL)
			continue
		}

		if verifyErr := d.verifySize(targetPath, up.Size); verifyErr != nil {
			errors = append(errors, verifyErr.Error())
		}
	}
	log.Debug().Str("op", "engine").Msgf("Done downloading files for %s", title)
	return errors, externalURLs
}

func (d *Downloader) skipUpload(up *upload, fileName string) (bool, string) {
	if d.settings.FilterFilesGlob != "" && !utils.MatchGlob(d.settings.FilterFilesGlob, fileName) {
		return true, fmt.Sprintf("File %q does not match the glob filter %q, skipping", fileName, d.settings.FilterFilesGlob)
	}
	if d.filterRegex != nil && !d.filterRegex.MatchString(fileName) {
		return true, fmt.Sprintf("File %q does not match the regex filter %q, skipping", fileName, d.settings.FilterFilesRegex)
	}
	if d.settings.FilterFilesPlatform != "" && up.tagged() && !up.hasPlatform(d.settings.FilterFilesPlatform) {
		return true, fmt.Sprintf("File %q is not tagged for platform %q, skipping", fileName, d.settings.FilterFilesPlatform)
	}
	return false, ""
}

// verifySize checks written bytes against the declared size, accepting
// an archive whose uncompressed member total matches instead (the API
// sometimes reports the inner size while serving a compressed
// transfer). A mismatching file is kept on disk.
func (d *Downloader) verifySize(targetPath string, declaredSize *int64) error {
	if declaredSize == nil {
		return nil
	}
	info, err := d.fs.Stat(targetPath)
	if err != nil {
		return utils.Downloadf("downloaded file not found at %s", targetPath)
	}
	if info.Size() == *declaredSize {
		return nil
	}
	contentSize, hasContent := DecompressedContentSize(d.fs, targetPath)
	if hasContent && contentSize == *declaredSize {
		return nil
	}
	return &utils.IntegrityError{
		Path:        targetPath,
		Expected:    *declaredSize,
		Written:     info.Size(),
		ContentSize: contentSize,
		HasContent:  hasContent,
	}
}

// downloadFile streams one URL to targetPath in fixed-size chunks and
// returns the final URL after redirects. An empty targetPath fetches
// without writing, which is how external-storage uploads resolve to
// their manual-download URLs.
func (d *Downloader) downloadFile(rawURL, targetPath string, credentials u.Values) (string, error) {
	opts := &utils.GetOptions{Params: credentials, NoAPIKey: !isPlatformURL(rawURL)}
	resp, err := d.client.Get(rawURL, opts)
	if err != nil {
		return "", utils.Downloadf("unrecoverable download error: %v", err)
	}
	defer resp.Body.Close()
	if !utils.IsOK(resp.StatusCode) {
		return "", utils.Downloadf("unrecoverable download error: HTTP %d %s", resp.StatusCode, resp.Status)
	}

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	if targetPath == "" {
		return finalURL, nil
	}

	outFile, err := d.fs.Create(targetPath)
	if err != nil {
		return "", utils.Downloadf("error creating output file: %v", err)
	}
	defer outFile.Close()
	buffer := make([]byte, utils.DefaultBufferSize)
	if _, err := io.CopyBuffer(outFile, resp.Body, buffer); err != nil {
		return "", utils.Downloadf("error writing output file: %v", err)
	}
	return finalURL, nil
}

// mirrorAssets downloads the cover image and, with site mirroring on,
// each screenshot. Failures here only append to the error list.
func (d *Downloader) mirrorAssets(meta *metadata.GameMetadata, paths targetPaths) {
	if d.settings.MirrorWeb {
		d.fs.MkdirAll(paths.screenshots, 0755)
		for _, screenshot := range meta.Screenshots {
			if screenshot == "" {
				continue
			}
			name := path.Base(screenshot)
			if _, err := d.downloadFile(screenshot, filepath.Join(paths.screenshots, name), nil); err != nil {
				meta.Errors = append(meta.Errors, fmt.Sprintf("Screenshot download failed (this is not fatal): %v", err))
			}
		}
	}
	if meta.CoverURL != "" {
		coverPath := paths.cover + path.Ext(meta.CoverURL)
		if _, err := d.downloadFile(meta.CoverURL, coverPath, nil); err != nil {
			meta.Errors = append(meta.Errors, fmt.Sprintf("Cover art download failed (this is not fatal): %v", err))
		}
	}
}

func isPlatformURL(rawURL string) bool {
	if !strings.HasPrefix(rawURL, "https://") && !strings.HasPrefix(rawURL, "http://") {
		return true // relative API endpoint
	}
	parsed, err := u.Parse(rawURL)
	if err != nil {
		return false
	}
	return parsed.Host == utils.ItchBase || strings.HasSuffix(parsed.Host, "."+utils.ItchBase)
}
