package resolver

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/tmp/entries.json", []byte("{}"), 0644))

	tests := []struct {
		name  string
		input string
		want  Target
	}{
		{"single game", "https://author.itch.io/some-game", Target{Kind: KindSingleGame, URL: "https://author.itch.io/some-game"}},
		{"single game extra segments", "https://author.itch.io/some-game/devlog/123", Target{Kind: KindSingleGame, URL: "https://author.itch.io/some-game"}},
		{"http upgraded", "http://author.itch.io/some-game", Target{Kind: KindSingleGame, URL: "https://author.itch.io/some-game"}},
		{"creator subdomain", "https://author.itch.io", Target{Kind: KindCreator, Creator: "author"}},
		{"creator profile", "https://itch.io/profile/author", Target{Kind: KindCreator, Creator: "author"}},
		{"www stripped", "https://www.itch.io/profile/author", Target{Kind: KindCreator, Creator: "author"}},
		{"jam", "https://itch.io/jam/gmtk-2024", Target{Kind: KindJam, URL: "https://itch.io/jam/gmtk-2024"}},
		{"jam entry list page", "https://itch.io/jam/gmtk-2024/entries", Target{Kind: KindJam, URL: "https://itch.io/jam/gmtk-2024"}},
		{"browse", "https://itch.io/games/tag-horror", Target{Kind: KindBrowse, URL: "https://itch.io/games/tag-horror"}},
		{"browse soundtracks", "https://itch.io/soundtracks", Target{Kind: KindBrowse, URL: "https://itch.io/soundtracks"}},
		{"collection", "https://itch.io/c/4587/my-collection", Target{Kind: KindCollection, ID: "4587"}},
		{"owned purchases", "https://itch.io/my-purchases", Target{Kind: KindOwnedKeys}},
		{"local manifest", "/tmp/entries.json", Target{Kind: KindLocalManifest, Path: "/tmp/entries.json"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.input, fsys))
		})
	}
}

func TestClassifyUnsupported(t *testing.T) {
	fsys := afero.NewMemMapFs()
	tests := []struct {
		name  string
		input string
	}{
		{"bare platform root", "https://itch.io"},
		{"bundle", "https://itch.io/b/123/some-bundle"},
		{"bundle long", "https://itch.io/bundle/123"},
		{"jobs", "https://itch.io/jobs/engineer"},
		{"forum", "https://itch.io/board/12/general"},
		{"community", "https://itch.io/community"},
		{"unknown first segment", "https://itch.io/whatever/thing"},
		{"unknown domain", "https://example.com/games"},
		{"profile without username", "https://itch.io/profile"},
		{"incomplete jam", "https://itch.io/jam"},
		{"incomplete collection", "https://itch.io/c"},
		{"missing file", "/does/not/exist.txt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := Classify(tt.input, fsys)
			assert.Equal(t, KindUnsupported, target.Kind)
			assert.NotEmpty(t, target.Reason)
		})
	}
}
