package resolver

import (
	"regexp"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/itchgrab/internal/utils"
)

// FilterJobs deduplicates the resolved job list and drops any job that
// fails the optional glob or regex filter. Output order is not
// guaranteed to match input order.
func FilterJobs(jobs []string, glob, regex string) ([]string, error) {
	var fullMatch *regexp.Regexp
	if regex != "" {
		compiled, err := utils.CompileFullMatch(regex)
		if err != nil {
			return nil, utils.Resolutionf("invalid job filter regex %q: %v", regex, err)
		}
		fullMatch = compiled
	}

	seen := make(map[string]struct{}, len(jobs))
	filtered := make([]string, 0, len(jobs))
	for _, job := range jobs {
		if _, dup := seen[job]; dup {
			continue
		}
		seen[job] = struct{}{}
		if glob != "" && !utils.MatchGlob(glob, job) {
			log.Info().Str("op", "resolver").Msgf("Job %q does not match the glob filter %q, skipping", job, glob)
			continue
		}
		if fullMatch != nil && !fullMatch.MatchString(job) {
			log.Info().Str("op", "resolver").Msgf("Job %q does not match the regex filter %q, skipping", job, regex)
			continue
		}
		filtered = append(filtered, job)
	}
	return filtered, nil
}
