package archive

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/nevskii/guestops/pkg/guest"
)

const debianToken = "debian"

// debianRequiredTools must be startable in the guest before the strategy
// accepts the session.
var debianRequiredTools = []string{"zip", "unzip"}

// DebianStrategy archives and extracts with the stock zip/unzip/tar
// binaries of a Debian-family guest. Unlike the Windows strategy, archiving
// issues one guest process per input path: each runs from the path's parent
// directory with the base name as the sole target, so the archive holds
// relative entries, and each appends into the same destination archive.
// A mid-loop failure leaves the partial archive on disk on purpose; callers
// may rely on it for diagnosis.
type DebianStrategy struct {
	session Session
	waiter  guest.Waiter
}

// NewDebianStrategy validates the guest identity against the Debian family
// and checks that zip and unzip are installed, failing fast otherwise.
func NewDebianStrategy(ctx context.Context, session Session) (*DebianStrategy, error) {
	return newDebianStrategy(ctx, session, guest.Waiter{})
}

func newDebianStrategy(ctx context.Context, session Session, waiter guest.Waiter) (*DebianStrategy, error) {
	if _, err := checkIdentity(ctx, session, debianToken); err != nil {
		return nil, err
	}
	s := &DebianStrategy{session: session, waiter: waiter}
	for _, tool := range debianRequiredTools {
		// A bare no-op invocation; only "no such program" counts as not
		// ready, any other failure propagates as-is.
		_, err := session.StartProcess(ctx, guest.ProcessSpec{Path: "/usr/bin/" + tool})
		if errors.Is(err, guest.ErrFileNotFound) {
			return nil, &EnvironmentNotReadyError{Tool: tool}
		}
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *DebianStrategy) Archive(ctx context.Context, paths []string, archivePath string, opts Options) error {
	return dispatchArchive(ctx, s, paths, archivePath, opts)
}

func (s *DebianStrategy) Extract(ctx context.Context, archivePath, extractPath string, opts Options) error {
	return dispatchExtract(ctx, s, archivePath, extractPath, opts)
}

func (s *DebianStrategy) archiveZip(ctx context.Context, paths []string, archivePath, password string) error {
	for _, p := range paths {
		args := fmt.Sprintf("-ur %s %s", archivePath, path.Base(p))
		if password != "" {
			args += " -P " + password
		}
		code, err := run(ctx, s.session, s.waiter, guest.ProcessSpec{
			Path:       "/usr/bin/zip",
			WorkingDir: path.Dir(p),
			Arguments:  args,
		})
		if err != nil {
			return err
		}
		if code != 0 {
			return &ArchivingError{Paths: []string{p}, Archive: archivePath, ExitCode: code}
		}
	}
	return nil
}

func (s *DebianStrategy) archiveTar(ctx context.Context, paths []string, archivePath string) error {
	for _, p := range paths {
		code, err := run(ctx, s.session, s.waiter, guest.ProcessSpec{
			Path:       "/usr/bin/tar",
			WorkingDir: path.Dir(p),
			Arguments:  fmt.Sprintf("-rvf %s %s", archivePath, path.Base(p)),
		})
		if err != nil {
			return err
		}
		if code != 0 {
			return &ArchivingError{Paths: []string{p}, Archive: archivePath, ExitCode: code}
		}
	}
	return nil
}

func (s *DebianStrategy) extractZip(ctx context.Context, archivePath, extractPath, password string) error {
	extractPath = defaultExtractPath(archivePath, extractPath)
	args := fmt.Sprintf("%s -d %s", archivePath, extractPath)
	if password != "" {
		args += " -P " + password
	}
	code, err := run(ctx, s.session, s.waiter, guest.ProcessSpec{
		Path:      "/usr/bin/unzip",
		Arguments: args,
	})
	if err != nil {
		return err
	}
	if code != 0 {
		return &ExtractionError{Archive: archivePath, Dest: extractPath, ExitCode: code}
	}
	return nil
}

func (s *DebianStrategy) extractTar(ctx context.Context, archivePath, extractPath string) error {
	extractPath = defaultExtractPath(archivePath, extractPath)
	code, err := run(ctx, s.session, s.waiter, guest.ProcessSpec{
		Path:      "/usr/bin/tar",
		Arguments: fmt.Sprintf("-xf %s -C %s", archivePath, extractPath),
	})
	if err != nil {
		return err
	}
	if code != 0 {
		return &ExtractionError{Archive: archivePath, Dest: extractPath, ExitCode: code}
	}
	return nil
}
