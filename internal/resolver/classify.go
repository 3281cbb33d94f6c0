package resolver

import (
	"fmt"
	u "net/url"
	"strings"

	"github.com/spf13/afero"
	"github.com/tanq16/itchgrab/internal/utils"
)

type TargetKind int

const (
	KindUnsupported TargetKind = iota
	KindSingleGame
	KindJam
	KindBrowse
	KindCollection
	KindCreator
	KindOwnedKeys
	KindLocalManifest
)

// Target is the classified form of one resolver input. Classification
// is pure string/path matching so the whole dispatch is testable
// without touching the network; fetching happens later, per kind.
type Target struct {
	Kind    TargetKind
	URL     string // cleaned remote URL (SingleGame, Jam, Browse)
	Path    string // manifest path (LocalManifest)
	Creator string // creator username (Creator)
	ID      string // collection ID (Collection)
	Reason  string // human-readable reason (Unsupported)
}

func unsupported(format string, args ...any) Target {
	return Target{Kind: KindUnsupported, Reason: fmt.Sprintf(format, args...)}
}

// Classify normalizes an input string and maps it onto one of the known
// enumeration strategies. The filesystem is only consulted to decide
// whether a non-URL input names a local manifest file.
func Classify(input string, fsys afero.Fs) Target {
	input = strings.TrimSpace(input)
	if strings.HasPrefix(input, "http://") {
		input = "https://" + input[len("http://"):]
	}
	if !strings.HasPrefix(input, "https://") {
		if info, err := fsys.Stat(input); err == nil && !info.IsDir() {
			return Target{Kind: KindLocalManifest, Path: input}
		}
		return unsupported("cannot handle path or URL: %s", input)
	}
	if strings.HasPrefix(input, "https://www."+utils.ItchBase+"/") {
		input = utils.ItchURL + "/" + input[len("https://www."+utils.ItchBase+"/"):]
	}

	parsed, err := u.Parse(input)
	if err != nil {
		return unsupported("invalid URL: %s", input)
	}
	var segments []string
	for _, part := range strings.Split(parsed.Path, "/") {
		if len(part) > 0 {
			segments = append(segments, part)
		}
	}

	if parsed.Host == utils.ItchBase {
		return classifyPlatformURL(input, segments)
	}
	if strings.HasSuffix(parsed.Host, "."+utils.ItchBase) {
		if len(segments) == 0 {
			return Target{Kind: KindCreator, Creator: strings.Split(parsed.Host, ".")[0]}
		}
		// Single game page; clean and keep the first path segment only.
		return Target{Kind: KindSingleGame, URL: fmt.Sprintf("https://%s/%s", parsed.Host, segments[0])}
	}
	return unsupported("unknown domain: %s", parsed.Host)
}

func classifyPlatformURL(url string, segments []string) Target {
	if len(segments) == 0 {
		return unsupported("cannot download the entirety of %s", utils.ItchBase)
	}
	site := segments[0]

	switch {
	case site == "jam":
		if len(segments) < 2 {
			return unsupported("incomplete game jam URL: %s", url)
		}
		return Target{Kind: KindJam, URL: fmt.Sprintf("%s/jam/%s", utils.ItchURL, segments[1])}
	case isBrowserType(site):
		return Target{Kind: KindBrowse, URL: utils.ItchURL + "/" + strings.Join(segments, "/")}
	case site == "b" || site == "bundle":
		return unsupported("bundles cannot be downloaded yet")
	case site == "j" || site == "jobs":
		return unsupported("job listings cannot be downloaded")
	case site == "t" || site == "board" || site == "community":
		return unsupported("forums cannot be downloaded")
	case site == "profile":
		if len(segments) >= 2 {
			return Target{Kind: KindCreator, Creator: segments[1]}
		}
		return unsupported("profile links must contain a username: %s", url)
	case site == "my-purchases":
		return Target{Kind: KindOwnedKeys}
	case site == "c":
		if len(segments) < 2 {
			return unsupported("incomplete collection URL: %s", url)
		}
		return Target{Kind: KindCollection, ID: segments[1]}
	}
	return unsupported("%q URLs are not supported", site)
}

func isBrowserType(site string) bool {
	for _, browserType := range utils.BrowserTypes {
		if site == browserType {
			return true
		}
	}
	return false
}
