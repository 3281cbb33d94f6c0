package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/tanq16/itchgrab/internal/config"
	"github.com/tanq16/itchgrab/internal/engine"
	"github.com/tanq16/itchgrab/internal/keys"
	"github.com/tanq16/itchgrab/internal/output"
	"github.com/tanq16/itchgrab/internal/resolver"
	"github.com/tanq16/itchgrab/internal/scheduler"
	"github.com/tanq16/itchgrab/internal/utils"
)

var (
	profile             string
	apiKey              string
	userAgent           string
	downloadTo          string
	mirrorWeb           bool
	urlsOnly            bool
	parallel            int
	filterGlob          string
	filterRegex         string
	filterFilesGlob     string
	filterFilesRegex    string
	filterFilesPlatform string
	force               bool
	headers             []string
	debug               bool
)

var ItchgrabVersion = "dev"

var rootCmd = &cobra.Command{
	Use:     "itchgrab [URL_OR_PATH]",
	Short:   "Itchgrab bulk-downloads games from itch.io",
	Long:    "Itchgrab resolves an itch.io URL (game, jam, browse page, collection, creator, purchases) or a local manifest into game jobs and downloads all their files.",
	Version: ItchgrabVersion,
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		settings := mergeSettings(cmd)
		utils.InitLogger(debug || settings.Verbose)
		if settings.APIKey == "" {
			output.PrintError("No API key provided; create one in your itch.io settings and pass --api-key or set it in the config file")
			os.Exit(1)
		}

		client := utils.NewItchClient(utils.ClientConfig{
			APIKey:    settings.APIKey,
			UserAgent: settings.UserAgent,
			Headers:   utils.ParseHeaderArgs(headers),
		})
		if err := validateAPIKey(client); err != nil {
			output.PrintError(fmt.Sprintf("Provided API key appears to be invalid: %v", err))
			os.Exit(1)
		}

		fsys := afero.NewOsFs()
		keyCache := keys.NewCache(client)
		jobResolver := resolver.New(client, keyCache, fsys)

		jobs, err := jobResolver.Resolve(args[0])
		if err != nil {
			output.PrintError(fmt.Sprintf("Resolution failed: %v", err))
			os.Exit(1)
		}
		jobs, err = resolver.FilterJobs(jobs, settings.FilterGlob, settings.FilterRegex)
		if err != nil {
			output.PrintError(fmt.Sprintf("Resolution failed: %v", err))
			os.Exit(1)
		}
		if len(jobs) == 0 {
			output.PrintError("No URLs to download")
			os.Exit(1)
		}
		output.PrintInfo(fmt.Sprintf("Found %d URL(s)", len(jobs)))

		if settings.URLsOnly {
			for _, job := range jobs {
				fmt.Println(job)
			}
			return
		}

		if settings.DownloadTo == "" {
			settings.DownloadTo, _ = os.Getwd()
		}
		settings.DownloadTo = filepath.Clean(settings.DownloadTo)
		if err := fsys.MkdirAll(settings.DownloadTo, 0755); err != nil {
			output.PrintError(fmt.Sprintf("Could not create download directory: %v", err))
			os.Exit(1)
		}

		// All keys are fetched up front, the platform has no way to
		// look them up per title.
		downloadKeys, _, err := keyCache.Get()
		if err != nil {
			output.PrintError(fmt.Sprintf("Could not fetch download keys: %v", err))
			os.Exit(1)
		}

		dl, err := engine.NewDownloader(engine.Settings{
			DownloadTo:          settings.DownloadTo,
			MirrorWeb:           settings.MirrorWeb,
			Force:               settings.Force,
			FilterFilesGlob:     settings.FilterFilesGlob,
			FilterFilesRegex:    settings.FilterFilesRegex,
			FilterFilesPlatform: settings.FilterFilesPlatform,
		}, downloadKeys, client, fsys)
		if err != nil {
			output.PrintError(err.Error())
			os.Exit(1)
		}

		results := scheduler.Run(jobs, settings.Parallel, dl)
		for _, result := range results {
			if !result.Success {
				os.Exit(1)
			}
		}
	},
}

func mergeSettings(cmd *cobra.Command) *config.Settings {
	settings, err := config.Load(afero.NewOsFs(), config.Dir(), profile)
	if err != nil {
		output.PrintError(fmt.Sprintf("Could not load settings: %v", err))
		os.Exit(1)
	}
	flagOverrides := map[string]func(){
		"api-key":               func() { settings.APIKey = apiKey },
		"user-agent":            func() { settings.UserAgent = userAgent },
		"download-to":           func() { settings.DownloadTo = downloadTo },
		"mirror-web":            func() { settings.MirrorWeb = mirrorWeb },
		"urls-only":             func() { settings.URLsOnly = urlsOnly },
		"parallel":              func() { settings.Parallel = parallel },
		"filter-glob":           func() { settings.FilterGlob = filterGlob },
		"filter-regex":          func() { settings.FilterRegex = filterRegex },
		"filter-files-glob":     func() { settings.FilterFilesGlob = filterFilesGlob },
		"filter-files-regex":    func() { settings.FilterFilesRegex = filterFilesRegex },
		"filter-files-platform": func() { settings.FilterFilesPlatform = filterFilesPlatform },
		"force":                 func() { settings.Force = force },
	}
	for name, apply := range flagOverrides {
		if cmd.Flags().Changed(name) {
			apply()
		}
	}
	if settings.Parallel < 1 {
		settings.Parallel = 1
	}
	return settings
}

func validateAPIKey(client *utils.ItchClient) error {
	resp, err := client.Get("/profile", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if !utils.IsOK(resp.StatusCode) {
		return fmt.Errorf("HTTP %d %s", resp.StatusCode, resp.Status)
	}
	return nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVar(&profile, "profile", "", "Configuration profile to load")
	rootCmd.Flags().StringVarP(&apiKey, "api-key", "k", "", "itch.io API key")
	rootCmd.Flags().StringVarP(&userAgent, "user-agent", "a", utils.ToolUserAgent, "User agent for HTTP requests")
	rootCmd.Flags().StringVarP(&downloadTo, "download-to", "o", "", "Directory to save results into (default: current working dir)")
	rootCmd.Flags().BoolVar(&mirrorWeb, "mirror-web", false, "Try to fetch assets on game sites (screenshots)")
	rootCmd.Flags().BoolVar(&urlsOnly, "urls-only", false, "Print scraped game URLs without downloading them")
	rootCmd.Flags().IntVarP(&parallel, "parallel", "w", 1, "How many games to download in parallel")
	rootCmd.Flags().StringVar(&filterGlob, "filter-glob", "", "Filter resolved game URLs with a shell-style glob (unmatched jobs are skipped)")
	rootCmd.Flags().StringVar(&filterRegex, "filter-regex", "", "Filter resolved game URLs with a regex (unmatched jobs are skipped)")
	rootCmd.Flags().StringVar(&filterFilesGlob, "filter-files-glob", "", "Filter downloaded files with a shell-style glob (unmatched files are skipped)")
	rootCmd.Flags().StringVar(&filterFilesRegex, "filter-files-regex", "", "Filter downloaded files with a regex (unmatched files are skipped)")
	rootCmd.Flags().StringVar(&filterFilesPlatform, "filter-files-platform", "", "Keep only files tagged for a platform (windows/linux/mac/android)")
	rootCmd.Flags().BoolVar(&force, "force", false, "Re-download games even when their metadata is already present")
	rootCmd.Flags().StringArrayVarP(&headers, "header", "H", []string{}, "Custom headers (like 'Authorization: Bearer x'); can be specified multiple times")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
}
