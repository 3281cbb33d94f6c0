package engine

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/itchgrab/internal/utils"
)

// rewriteTransport sends every request to the fake platform server, so
// absolute game and CDN URLs resolve in tests.
type rewriteTransport struct {
	host  string
	calls *atomic.Int32
}

func (t rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.calls != nil {
		t.calls.Add(1)
	}
	clone := req.Clone(req.Context())
	clone.URL.Scheme = "http"
	clone.URL.Host = t.host
	return http.DefaultTransport.RoundTrip(clone)
}

const gamePage = `<html><head>
<meta name="itch:path" content="games/12345" />
<meta property="og:image" content="https://img.itch.zone/cover.png" />
</head><body><h1 class="game_title">My Game</h1></body></html>`

func testDownloader(t *testing.T, server *httptest.Server, fsys afero.Fs, settings Settings, downloadKeys map[int64]string, calls *atomic.Int32) *Downloader {
	t.Helper()
	if settings.DownloadTo == "" {
		settings.DownloadTo = "/dl"
	}
	client := utils.NewItchClient(utils.ClientConfig{
		APIKey:    "key",
		RetryWait: time.Millisecond,
		Transport: rewriteTransport{host: server.Listener.Addr().String(), calls: calls},
	})
	d, err := NewDownloader(settings, downloadKeys, client, fsys)
	require.NoError(t, err)
	return d
}

func uploadsJSON(uploads ...map[string]any) string {
	data, _ := json.Marshal(map[string]any{"uploads": uploads})
	return string(data)
}

func TestDownloadHappyPath(t *testing.T) {
	payload := "payload-bytes"
	var uploadsQuery atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("/my-game", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, gamePage)
	})
	mux.HandleFunc("/games/12345/uploads", func(w http.ResponseWriter, r *http.Request) {
		uploadsQuery.Store(r.URL.Query())
		io.WriteString(w, uploadsJSON(map[string]any{
			"id": 77, "filename": "game.zip", "size": len(payload), "storage": "hosted",
		}))
	})
	mux.HandleFunc("/uploads/77/download", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, payload)
	})
	mux.HandleFunc("/cover.png", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "PNG")
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	fsys := afero.NewMemMapFs()
	d := testDownloader(t, server, fsys, Settings{}, map[int64]string{12345: "999"}, nil)

	result := d.Download("https://author.itch.io/my-game")
	require.True(t, result.Success, "errors: %v", result.Errors)
	assert.Empty(t, result.Errors)
	assert.Empty(t, result.ExternalURLs)

	query := uploadsQuery.Load().(url.Values)
	assert.Equal(t, "999", query.Get("download_key_id"))
	assert.Equal(t, "key", query.Get("api_key"))

	file, err := afero.ReadFile(fsys, "/dl/author/my-game/files/game.zip")
	require.NoError(t, err)
	assert.Equal(t, payload, string(file))

	site, err := afero.ReadFile(fsys, "/dl/author/my-game/site.html")
	require.NoError(t, err)
	assert.Equal(t, gamePage, string(site))

	cover, err := afero.ReadFile(fsys, "/dl/author/my-game/cover.png")
	require.NoError(t, err)
	assert.Equal(t, "PNG", string(cover))

	metaJSON, err := afero.ReadFile(fsys, "/dl/author/my-game/metadata.json")
	require.NoError(t, err)
	var meta struct {
		GameID int64  `json:"game_id"`
		Title  string `json:"title"`
	}
	require.NoError(t, json.Unmarshal(metaJSON, &meta))
	assert.Equal(t, int64(12345), meta.GameID)
	assert.Equal(t, "My Game", meta.Title)
}

func TestDownloadSkipsExistingGame(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/dl/author/my-game/metadata.json", []byte("{}"), 0o644))

	var calls atomic.Int32
	d := testDownloader(t, server, fsys, Settings{}, nil, &calls)
	result := d.Download("https://author.itch.io/my-game")

	assert.True(t, result.Success)
	assert.Equal(t, int32(0), calls.Load(), "a previously downloaded game must not touch the network")
}

func TestDownloadForceRedownloads(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/my-game", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, gamePage)
	})
	mux.HandleFunc("/games/12345/uploads", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, uploadsJSON())
	})
	mux.HandleFunc("/cover.png", func(w http.ResponseWriter, r *http.Request) {})
	server := httptest.NewServer(mux)
	defer server.Close()

	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/dl/author/my-game/metadata.json", []byte("{}"), 0o644))

	var calls atomic.Int32
	d := testDownloader(t, server, fsys, Settings{Force: true}, nil, &calls)
	result := d.Download("https://author.itch.io/my-game")

	assert.True(t, result.Success, "errors: %v", result.Errors)
	assert.Positive(t, calls.Load())
}

func TestDownloadInvalidURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	d := testDownloader(t, server, afero.NewMemMapFs(), Settings{}, nil, nil)
	result := d.Download("https://itch.io/jam/not-a-game")
	assert.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "invalid")
}

func TestDownloadUploadsListingFailureAbortsEntry(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/my-game", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, gamePage)
	})
	mux.HandleFunc("/games/12345/uploads", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	fsys := afero.NewMemMapFs()
	d := testDownloader(t, server, fsys, Settings{}, nil, nil)
	result := d.Download("https://author.itch.io/my-game")

	assert.False(t, result.Success)
	exists, _ := afero.Exists(fsys, "/dl/author/my-game/metadata.json")
	assert.False(t, exists, "a failed entry must stay retryable on the next run")
}

func TestDownloadExternalStorage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/my-game", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, gamePage)
	})
	mux.HandleFunc("/games/12345/uploads", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, uploadsJSON(map[string]any{
			"id": 88, "filename": "tool.zip", "size": 4, "storage": "external",
		}))
	})
	mux.HandleFunc("/uploads/88/download", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/external/tool.zip", http.StatusFound)
	})
	mux.HandleFunc("/external/tool.zip", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "data")
	})
	mux.HandleFunc("/cover.png", func(w http.ResponseWriter, r *http.Request) {})
	server := httptest.NewServer(mux)
	defer server.Close()

	fsys := afero.NewMemMapFs()
	d := testDownloader(t, server, fsys, Settings{}, nil, nil)
	result := d.Download("https://author.itch.io/my-game")

	require.True(t, result.Success, "errors: %v", result.Errors)
	require.Len(t, result.ExternalURLs, 1)
	assert.True(t, strings.HasSuffix(result.ExternalURLs[0], "/external/tool.zip"))
	exists, _ := afero.Exists(fsys, "/dl/author/my-game/files/tool.zip")
	assert.False(t, exists, "external uploads are recorded, never written to disk")
}

func TestDownloadSizeMismatchRecordsOneError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/my-game", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, gamePage)
	})
	mux.HandleFunc("/games/12345/uploads", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, uploadsJSON(map[string]any{
			"id": 77, "filename": "game.bin", "size": 9999, "storage": "hosted",
		}))
	})
	mux.HandleFunc("/uploads/77/download", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "short")
	})
	mux.HandleFunc("/cover.png", func(w http.ResponseWriter, r *http.Request) {})
	server := httptest.NewServer(mux)
	defer server.Close()

	fsys := afero.NewMemMapFs()
	d := testDownloader(t, server, fsys, Settings{}, nil, nil)
	result := d.Download("https://author.itch.io/my-game")

	assert.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "expected 9999")

	// The mismatching file stays on disk for manual inspection.
	file, err := afero.ReadFile(fsys, "/dl/author/my-game/files/game.bin")
	require.NoError(t, err)
	assert.Equal(t, "short", string(file))
}

func TestDownloadIncompleteUploadRecord(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/my-game", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, gamePage)
	})
	mux.HandleFunc("/games/12345/uploads", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, uploadsJSON(map[string]any{"id": 77, "size": 10}))
	})
	mux.HandleFunc("/cover.png", func(w http.ResponseWriter, r *http.Request) {})
	server := httptest.NewServer(mux)
	defer server.Close()

	d := testDownloader(t, server, afero.NewMemMapFs(), Settings{}, nil, nil)
	result := d.Download("https://author.itch.io/my-game")

	assert.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "incomplete")
}

func TestDownloadFileFilters(t *testing.T) {
	var downloads atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/my-game", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, gamePage)
	})
	mux.HandleFunc("/games/12345/uploads", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, uploadsJSON(
			map[string]any{"id": 1, "filename": "game-linux.zip", "size": 4, "storage": "hosted", "p_linux": true},
			map[string]any{"id": 2, "filename": "game-windows.exe", "size": 4, "storage": "hosted", "p_windows": true},
		))
	})
	mux.HandleFunc("/uploads/1/download", func(w http.ResponseWriter, r *http.Request) {
		downloads.Add(1)
		io.WriteString(w, "data")
	})
	mux.HandleFunc("/uploads/2/download", func(w http.ResponseWriter, r *http.Request) {
		downloads.Add(1)
		io.WriteString(w, "data")
	})
	mux.HandleFunc("/cover.png", func(w http.ResponseWriter, r *http.Request) {})
	server := httptest.NewServer(mux)
	defer server.Close()

	fsys := afero.NewMemMapFs()
	d := testDownloader(t, server, fsys, Settings{FilterFilesPlatform: "linux"}, nil, nil)
	result := d.Download("https://author.itch.io/my-game")

	// Filtered-out files are skipped silently, not errors.
	require.True(t, result.Success, "errors: %v", result.Errors)
	assert.Empty(t, result.Errors)
	assert.Equal(t, int32(1), downloads.Load())
	exists, _ := afero.Exists(fsys, "/dl/author/my-game/files/game-linux.zip")
	assert.True(t, exists)
	exists, _ = afero.Exists(fsys, "/dl/author/my-game/files/game-windows.exe")
	assert.False(t, exists)
}

func TestDownloadCoverFailureIsSoft(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/my-game", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, gamePage)
	})
	mux.HandleFunc("/games/12345/uploads", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, uploadsJSON())
	})
	mux.HandleFunc("/cover.png", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	d := testDownloader(t, server, afero.NewMemMapFs(), Settings{}, nil, nil)
	result := d.Download("https://author.itch.io/my-game")

	assert.True(t, result.Success, "asset mirroring failures never flip the outcome")
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "Cover art")
}

func TestDownloadMirrorWebScreenshots(t *testing.T) {
	page := `<html><head><meta name="itch:path" content="games/12345" /></head><body>
<h1 class="game_title">My Game</h1>
<div class="screenshot_list"><a href="https://img.itch.zone/shot1.png"><img/></a></div>
</body></html>`
	mux := http.NewServeMux()
	mux.HandleFunc("/my-game", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, page)
	})
	mux.HandleFunc("/games/12345/uploads", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, uploadsJSON())
	})
	mux.HandleFunc("/shot1.png", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "PNG")
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	fsys := afero.NewMemMapFs()
	d := testDownloader(t, server, fsys, Settings{MirrorWeb: true}, nil, nil)
	result := d.Download("https://author.itch.io/my-game")

	require.True(t, result.Success, "errors: %v", result.Errors)
	shot, err := afero.ReadFile(fsys, "/dl/author/my-game/screenshots/shot1.png")
	require.NoError(t, err)
	assert.Equal(t, "PNG", string(shot))
}

func TestResolveGameIDDataJSONFallback(t *testing.T) {
	page := `<html><body><h1 class="game_title">My Game</h1></body></html>`
	mux := http.NewServeMux()
	mux.HandleFunc("/my-game", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, page)
	})
	mux.HandleFunc("/my-game/data.json", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id": 12345}`)
	})
	mux.HandleFunc("/games/12345/uploads", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, uploadsJSON())
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	d := testDownloader(t, server, afero.NewMemMapFs(), Settings{}, nil, nil)
	result := d.Download("https://author.itch.io/my-game")
	assert.True(t, result.Success, "errors: %v", result.Errors)
}

func TestResolveGameIDDataJSONErrors(t *testing.T) {
	page := `<html><body><h1 class="game_title">My Game</h1></body></html>`
	mux := http.NewServeMux()
	mux.HandleFunc("/my-game", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, page)
	})
	mux.HandleFunc("/my-game/data.json", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"errors": ["invalid game"]}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	d := testDownloader(t, server, afero.NewMemMapFs(), Settings{}, nil, nil)
	result := d.Download("https://author.itch.io/my-game")
	assert.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "access restricted")
}

func TestUploadPlatformTraits(t *testing.T) {
	up := upload{PLinux: true, POSX: true}
	assert.True(t, up.tagged())
	assert.True(t, up.hasPlatform("linux"))
	assert.True(t, up.hasPlatform("MacOS"))
	assert.False(t, up.hasPlatform("windows"))
	assert.False(t, up.hasPlatform("amiga"))

	untagged := upload{}
	assert.False(t, untagged.tagged())
}

func TestUploadsJSONHelperShape(t *testing.T) {
	// Guards the fixture helper itself: absent keys must stay absent so
	// the pointer-field decoding paths in the engine see real nils.
	var decoded struct {
		Uploads []upload `json:"uploads"`
	}
	require.NoError(t, json.Unmarshal([]byte(uploadsJSON(map[string]any{"id": 1})), &decoded))
	require.Len(t, decoded.Uploads, 1)
	assert.NotNil(t, decoded.Uploads[0].ID)
	assert.Nil(t, decoded.Uploads[0].Filename)
	assert.Nil(t, decoded.Uploads[0].Size)
	assert.Nil(t, decoded.Uploads[0].Storage)
}

func TestIsPlatformURL(t *testing.T) {
	assert.True(t, isPlatformURL("/uploads/1/download"))
	assert.True(t, isPlatformURL("https://itch.io/some/page"))
	assert.True(t, isPlatformURL("https://author.itch.io/game"))
	assert.False(t, isPlatformURL("https://example.com/file.zip"))
}

func TestVerifySizeArchiveReconciliation(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeZip(t, fsys, "/dl/game.zip", map[string]string{"a.txt": "0123456789"})

	info, err := fsys.Stat("/dl/game.zip")
	require.NoError(t, err)

	d := &Downloader{fs: fsys}
	declared := int64(10) // member total, not the on-disk size
	require.NotEqual(t, declared, info.Size())
	assert.NoError(t, d.verifySize("/dl/game.zip", &declared))

	wrong := int64(11)
	err = d.verifySize("/dl/game.zip", &wrong)
	require.Error(t, err)
	var integrityErr *utils.IntegrityError
	assert.ErrorAs(t, err, &integrityErr)

	assert.NoError(t, d.verifySize("/dl/game.zip", nil), "unknown declared size skips verification")
}
