package guest

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrFileNotFound is returned by backends when the guest reports that a
// requested file or program does not exist. Callers match it with errors.Is.
var ErrFileNotFound = errors.New("file not found in guest")

// ProcessHandle identifies a process started inside the guest. The handle is
// only valid for polling while the guest retains the finished process entry;
// retention is a property of the backend, not of this package.
type ProcessHandle int64

// ProcessSpec describes a program to start inside the guest.
type ProcessSpec struct {
	// Path is the absolute path of the program inside the guest.
	Path string
	// WorkingDir is the directory the program starts in. Empty means the
	// backend default.
	WorkingDir string
	// Arguments is the raw argument string handed to the guest. Wildcards
	// are expanded by the guest shell, never by this package.
	Arguments string
	// Env holds KEY=VALUE pairs added to the process environment.
	Env []string
}

// ProcessInfo reports the observable state of a guest process. ExitCode is
// nil while the process is still running.
type ProcessInfo struct {
	Pid      int64
	Name     string
	CmdLine  string
	ExitCode *int32
	EndTime  *time.Time
}

// FileInfo describes one entry of a guest directory listing.
type FileInfo struct {
	Path string
	Type string
	Size int64
}

// Session is an authenticated handle to a running guest OS. Implementations
// wrap a virtualization platform's guest-operations API; nothing in this
// module implements the platform protocol itself.
//
// A Session is not safe for concurrent use unless the backend says so.
type Session interface {
	// Identity returns the platform's guest OS descriptor (e.g. a string
	// containing "win" or "debian"). Used for strategy matching only.
	Identity(ctx context.Context) (string, error)

	// StartProcess starts a program in the guest and returns its handle.
	// There is no way to abort a started process through this interface;
	// callers can only stop polling.
	StartProcess(ctx context.Context, spec ProcessSpec) (ProcessHandle, error)

	// PollExitCode reports the exit code of a started process, or nil if it
	// is still running.
	PollExitCode(ctx context.Context, handle ProcessHandle) (*int32, error)

	// ProcessInfo returns the current state of a started process.
	ProcessInfo(ctx context.Context, handle ProcessHandle) (ProcessInfo, error)

	FileExists(ctx context.Context, path string) (bool, error)
	// Stat returns the attributes of a single file or directory. A missing
	// path wraps ErrFileNotFound.
	Stat(ctx context.Context, path string) (FileInfo, error)
	ListDirectory(ctx context.Context, path string) ([]FileInfo, error)
	MakeDirectory(ctx context.Context, path string, recursive bool) error
	DeleteDirectory(ctx context.Context, path string, recursive bool) error
	DeleteFile(ctx context.Context, path string) error
	CreateTemporaryDirectory(ctx context.Context, prefix, suffix string) (string, error)

	// EnvironmentVariable reads one variable from the guest environment.
	EnvironmentVariable(ctx context.Context, name string) (string, error)

	// Upload writes size bytes from r to remotePath, overwriting it.
	Upload(ctx context.Context, r io.Reader, size int64, remotePath string) error
	// Download copies remotePath into w and returns the number of bytes.
	Download(ctx context.Context, w io.Writer, remotePath string) (int64, error)
}
