package utils

import "fmt"

// ResolutionError means an input (URL, manifest or page) could not be
// mapped to downloadable jobs. Fatal to the resolution step that raised it.
type ResolutionError struct {
	Reason string
}

func (e *ResolutionError) Error() string { return e.Reason }

func Resolutionf(format string, args ...any) error {
	return &ResolutionError{Reason: fmt.Sprintf(format, args...)}
}

// DownloadError means a single network or file operation failed. Always
// converted to an outcome-level error string by the owning job.
type DownloadError struct {
	Reason string
}

func (e *DownloadError) Error() string { return e.Reason }

func Downloadf(format string, args ...any) error {
	return &DownloadError{Reason: fmt.Sprintf(format, args...)}
}

// IntegrityError means a declared file size did not match the written
// bytes even after archive-aware reconciliation. Recorded, never fatal
// to sibling files.
type IntegrityError struct {
	Path        string
	Expected    int64
	Written     int64
	ContentSize int64
	HasContent  bool
}

func (e *IntegrityError) Error() string {
	if e.HasContent {
		return fmt.Sprintf("downloaded file size is %d (content %d), expected %d for %s",
			e.Written, e.ContentSize, e.Expected, e.Path)
	}
	return fmt.Sprintf("downloaded file size is %d, expected %d for %s", e.Written, e.Expected, e.Path)
}
