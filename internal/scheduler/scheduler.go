package scheduler

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/itchgrab/internal/engine"
	"github.com/tanq16/itchgrab/internal/output"
)

// Engine is the per-job download boundary the scheduler drives.
type Engine interface {
	Download(gameURL string) *engine.DownloadResult
}

// Run executes the engine over all jobs with a fixed pool of numWorkers
// workers pulling from a static job list. One worker degrades to
// deterministic sequential order. A job's panic is converted into a
// failed result for that job alone; nothing cancels sibling jobs.
func Run(jobs []string, numWorkers int, dl Engine) []*engine.DownloadResult {
	if numWorkers < 1 {
		numWorkers = 1
	}
	outputMgr := output.NewManager()
	outputMgr.StartDisplay()

	jobCh := make(chan string, len(jobs))
	for _, job := range jobs {
		jobCh <- job
	}
	close(jobCh)

	resultCh := make(chan *engine.DownloadResult, len(jobs))
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			processJobs(jobCh, resultCh, dl, outputMgr)
		}()
	}
	wg.Wait()
	close(resultCh)
	outputMgr.StopDisplay()

	results := make([]*engine.DownloadResult, 0, len(jobs))
	for result := range resultCh {
		results = append(results, result)
	}
	report(results)
	return results
}

func processJobs(jobCh <-chan string, resultCh chan<- *engine.DownloadResult, dl Engine, outputMgr *output.Manager) {
	for job := range jobCh {
		jobID := uuid.NewString()
		outputMgr.Register(jobID, job)
		outputMgr.SetMessage(jobID, "Downloading")

		result := safeDownload(dl, job)
		resultCh <- result

		switch {
		case result.Success && len(result.Errors) > 0:
			outputMgr.Complete(jobID, result.Errors[0])
		case result.Success:
			outputMgr.Complete(jobID, "Done")
		default:
			outputMgr.Fail(jobID, firstError(result))
		}
	}
}

// safeDownload is the per-job error boundary: an escaped panic becomes
// a failed outcome instead of tearing down the worker pool.
func safeDownload(dl Engine, job string) (result *engine.DownloadResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("op", "scheduler").Msgf("Job %s panicked: %v", job, r)
			result = &engine.DownloadResult{
				URL:     job,
				Success: false,
				Errors:  []string{fmt.Sprintf("Internal error while downloading %s: %v", job, r)},
			}
		}
	}()
	return dl.Download(job)
}

func firstError(result *engine.DownloadResult) string {
	if len(result.Errors) > 0 {
		return result.Errors[0]
	}
	return "Download failed"
}

func report(results []*engine.DownloadResult) {
	succeeded := 0
	for _, result := range results {
		if result.Success {
			succeeded++
		}
	}
	fmt.Println()
	if succeeded == len(results) {
		output.PrintSuccess(fmt.Sprintf("Download complete! All %d job(s) succeeded", succeeded))
	} else {
		output.PrintInfo(fmt.Sprintf("Download complete! %d/%d job(s) succeeded", succeeded, len(results)))
	}
	for _, result := range results {
		if len(result.Errors) == 0 && len(result.ExternalURLs) == 0 {
			continue
		}
		fmt.Println()
		if result.Success {
			output.PrintWarning(fmt.Sprintf("Notes for %s:", result.URL))
		} else {
			output.PrintError(fmt.Sprintf("Download failed for %s:", result.URL))
		}
		for _, errText := range result.Errors {
			output.PrintDetail(errText)
		}
		for _, extURL := range result.ExternalURLs {
			output.PrintDetail("External download URL (download manually!): " + extURL)
		}
	}
}
