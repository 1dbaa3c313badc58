package archive

import (
	"fmt"
	"strings"
)

// UnsupportedEnvironmentError reports a guest identity no strategy can
// serve, either because no token matched during resolution or because a
// strategy was constructed against the wrong OS family.
type UnsupportedEnvironmentError struct {
	// Identity is the guest OS descriptor that failed to match.
	Identity string
	// OSFamily is the token of the strategy that rejected the identity.
	// Empty when resolution found no candidate at all.
	OSFamily string
}

func (e *UnsupportedEnvironmentError) Error() string {
	if e.OSFamily == "" {
		return fmt.Sprintf("no archive strategy implemented for guest OS %q", e.Identity)
	}
	return fmt.Sprintf("guest OS %q is not compatible with the %s archive strategy", e.Identity, e.OSFamily)
}

// EnvironmentNotReadyError reports that the guest OS matched but the
// required archiver tool is not installed. Permanent for the lifetime of
// the strategy instance; callers must install the tool and re-resolve.
type EnvironmentNotReadyError struct {
	Tool string
}

func (e *EnvironmentNotReadyError) Error() string {
	return fmt.Sprintf("%s is not installed on the virtual machine, install it before archiving", e.Tool)
}

// UnsupportedFormatError reports an archive format this strategy will not
// handle, either recognized-but-unsupported (tar.gz) or unrecognized.
type UnsupportedFormatError struct {
	Format string
	Op     string // "archive" or "extract"
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unable to %s %q archives", e.Op, e.Format)
}

// ArchivingError reports a nonzero exit from the guest archiver while
// creating an archive. Paths identifies the input(s) the failing process
// covered: all of them for the batched Windows call, the single offending
// path for the per-path Debian loop.
type ArchivingError struct {
	Paths    []string
	Archive  string
	ExitCode int32
}

func (e *ArchivingError) Error() string {
	return fmt.Sprintf("error adding %s to archive %s (exit code %d)",
		strings.Join(e.Paths, " "), e.Archive, e.ExitCode)
}

// ExtractionError reports a nonzero exit from the guest archiver while
// extracting an archive.
type ExtractionError struct {
	Archive  string
	Dest     string
	ExitCode int32
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("error extracting %s to %s (exit code %d)", e.Archive, e.Dest, e.ExitCode)
}
