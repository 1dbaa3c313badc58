package vsphere

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	govguest "github.com/vmware/govmomi/guest"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/nevskii/guestops/pkg/guest"
	"github.com/nevskii/guestops/pkg/log"
)

const (
	// ListProcesses occasionally returns an empty set for a PID that was
	// just started. Retry a few times before giving up on the handle.
	processInfoRetries    = 5
	processInfoRetryDelay = 5 * time.Second
)

// Session is a guest.Session backed by the vSphere guest operations API.
type Session struct {
	vm   *object.VirtualMachine
	pm   *govguest.ProcessManager
	fm   *govguest.FileManager
	auth *types.NamePasswordAuthentication
	http *retryablehttp.Client

	sleep func(time.Duration)
}

var _ guest.Session = (*Session)(nil)

func newSession(vm *object.VirtualMachine, pm *govguest.ProcessManager, fm *govguest.FileManager, auth *types.NamePasswordAuthentication, httpClient *retryablehttp.Client) *Session {
	return &Session{
		vm:    vm,
		pm:    pm,
		fm:    fm,
		auth:  auth,
		http:  httpClient,
		sleep: time.Sleep,
	}
}

// Identity returns the platform's guest OS identifier, e.g.
// "windows2019srvNext_64Guest" or "debian12_64Guest".
func (s *Session) Identity(ctx context.Context) (string, error) {
	var vm mo.VirtualMachine
	if err := s.vm.Properties(ctx, s.vm.Reference(), []string{"summary.guest"}, &vm); err != nil {
		return "", fmt.Errorf("failed to read guest summary: %w", err)
	}
	if vm.Summary.Guest == nil || vm.Summary.Guest.GuestId == "" {
		return "", fmt.Errorf("guest identity not reported, VMware Tools may not be running")
	}
	return vm.Summary.Guest.GuestId, nil
}

// StartProcess launches a program in the guest and returns its PID as the
// process handle.
func (s *Session) StartProcess(ctx context.Context, spec guest.ProcessSpec) (guest.ProcessHandle, error) {
	pid, err := s.pm.StartProgram(ctx, s.auth, &types.GuestProgramSpec{
		ProgramPath:      spec.Path,
		Arguments:        spec.Arguments,
		WorkingDirectory: spec.WorkingDir,
		EnvVariables:     spec.Env,
	})
	if err != nil {
		if isFileNotFound(err) {
			return 0, fmt.Errorf("program %s: %w", spec.Path, guest.ErrFileNotFound)
		}
		return 0, fmt.Errorf("failed to start %s in guest: %w", spec.Path, err)
	}
	log.Debugf("Started guest process %d: %s %s", pid, spec.Path, spec.Arguments)
	return guest.ProcessHandle(pid), nil
}

// PollExitCode returns the exit code of the process if it has finished,
// nil if it is still running.
func (s *Session) PollExitCode(ctx context.Context, handle guest.ProcessHandle) (*int32, error) {
	info, err := s.listProcess(ctx, int64(handle))
	if err != nil {
		return nil, err
	}
	if info.EndTime == nil {
		return nil, nil
	}
	code := info.ExitCode
	return &code, nil
}

// ProcessInfo returns the current state of a started process.
func (s *Session) ProcessInfo(ctx context.Context, handle guest.ProcessHandle) (guest.ProcessInfo, error) {
	info, err := s.listProcess(ctx, int64(handle))
	if err != nil {
		return guest.ProcessInfo{}, err
	}
	out := guest.ProcessInfo{
		Pid:     info.Pid,
		Name:    info.Name,
		CmdLine: info.CmdLine,
		EndTime: info.EndTime,
	}
	if info.EndTime != nil {
		code := info.ExitCode
		out.ExitCode = &code
	}
	return out, nil
}

func (s *Session) listProcess(ctx context.Context, pid int64) (*types.GuestProcessInfo, error) {
	for attempt := 1; ; attempt++ {
		procs, err := s.pm.ListProcesses(ctx, s.auth, []int64{pid})
		if err != nil {
			return nil, fmt.Errorf("failed to list guest process %d: %w", pid, err)
		}
		if len(procs) > 0 {
			return &procs[0], nil
		}
		if attempt >= processInfoRetries {
			return nil, fmt.Errorf("no process with pid %d in guest after %d attempts", pid, attempt)
		}
		log.Debugf("Guest process %d not listed yet, retrying (%d/%d)", pid, attempt, processInfoRetries)
		s.sleep(processInfoRetryDelay)
	}
}

// FileExists reports whether a file or directory exists in the guest.
func (s *Session) FileExists(ctx context.Context, path string) (bool, error) {
	_, err := s.fm.ListFiles(ctx, s.auth, path, 0, 1, "")
	if err != nil {
		if isFileNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s in guest: %w", path, err)
	}
	return true, nil
}

// Stat returns the attributes of a single guest file or directory.
func (s *Session) Stat(ctx context.Context, path string) (guest.FileInfo, error) {
	res, err := s.fm.ListFiles(ctx, s.auth, path, 0, 1, "")
	if err != nil {
		if isFileNotFound(err) {
			return guest.FileInfo{}, fmt.Errorf("path %s: %w", path, guest.ErrFileNotFound)
		}
		return guest.FileInfo{}, fmt.Errorf("failed to stat %s in guest: %w", path, err)
	}
	if len(res.Files) == 0 {
		return guest.FileInfo{}, fmt.Errorf("path %s: %w", path, guest.ErrFileNotFound)
	}
	f := res.Files[0]
	return guest.FileInfo{Path: f.Path, Type: f.Type, Size: f.Size}, nil
}

// ListDirectory lists the contents of a guest directory, following the
// platform's paging.
func (s *Session) ListDirectory(ctx context.Context, path string) ([]guest.FileInfo, error) {
	var files []guest.FileInfo
	var offset int32
	for {
		res, err := s.fm.ListFiles(ctx, s.auth, path, offset, 0, "")
		if err != nil {
			if isFileNotFound(err) {
				return nil, fmt.Errorf("directory %s: %w", path, guest.ErrFileNotFound)
			}
			return nil, fmt.Errorf("failed to list %s in guest: %w", path, err)
		}
		for _, f := range res.Files {
			files = append(files, guest.FileInfo{
				Path: f.Path,
				Type: f.Type,
				Size: f.Size,
			})
		}
		if res.Remaining == 0 {
			return files, nil
		}
		offset += int32(len(res.Files))
	}
}

// MakeDirectory creates a directory in the guest.
func (s *Session) MakeDirectory(ctx context.Context, path string, recursive bool) error {
	if err := s.fm.MakeDirectory(ctx, s.auth, path, recursive); err != nil {
		return fmt.Errorf("failed to create guest directory %s: %w", path, err)
	}
	return nil
}

// DeleteDirectory removes a guest directory.
func (s *Session) DeleteDirectory(ctx context.Context, path string, recursive bool) error {
	err := s.fm.DeleteDirectory(ctx, s.auth, path, recursive)
	if err != nil {
		if isFileNotFound(err) {
			return fmt.Errorf("directory %s: %w", path, guest.ErrFileNotFound)
		}
		return fmt.Errorf("failed to delete guest directory %s: %w", path, err)
	}
	return nil
}

// DeleteFile removes a guest file.
func (s *Session) DeleteFile(ctx context.Context, path string) error {
	err := s.fm.DeleteFile(ctx, s.auth, path)
	if err != nil {
		if isFileNotFound(err) {
			return fmt.Errorf("file %s: %w", path, guest.ErrFileNotFound)
		}
		return fmt.Errorf("failed to delete guest file %s: %w", path, err)
	}
	return nil
}

// CreateTemporaryDirectory creates a fresh directory under the guest's
// temp location and returns its path.
func (s *Session) CreateTemporaryDirectory(ctx context.Context, prefix, suffix string) (string, error) {
	dir, err := s.fm.CreateTemporaryDirectory(ctx, s.auth, prefix, suffix, "")
	if err != nil {
		return "", fmt.Errorf("failed to create guest temp directory: %w", err)
	}
	return dir, nil
}

// EnvironmentVariable reads one variable from the guest environment of the
// authenticated user. Missing variables return an empty value.
func (s *Session) EnvironmentVariable(ctx context.Context, name string) (string, error) {
	vars, err := s.pm.ReadEnvironmentVariable(ctx, s.auth, []string{name})
	if err != nil {
		return "", fmt.Errorf("failed to read guest environment variable %s: %w", name, err)
	}
	return parseEnvValue(vars, name), nil
}

// parseEnvValue extracts the value of name from NAME=value entries.
func parseEnvValue(vars []string, name string) string {
	for _, v := range vars {
		if strings.HasPrefix(v, name+"=") {
			return v[len(name)+1:]
		}
	}
	return ""
}

// Upload writes size bytes from r to remotePath in the guest, replacing
// any existing file.
func (s *Session) Upload(ctx context.Context, r io.Reader, size int64, remotePath string) error {
	target, err := s.fm.InitiateFileTransferToGuest(ctx, s.auth, remotePath, &types.GuestFileAttributes{}, size, true)
	if err != nil {
		if isFileNotFound(err) {
			return fmt.Errorf("path %s: %w", remotePath, guest.ErrFileNotFound)
		}
		return fmt.Errorf("failed to initiate upload of %s: %w", remotePath, err)
	}
	u, err := s.fm.TransferURL(ctx, target)
	if err != nil {
		return fmt.Errorf("failed to resolve transfer URL for %s: %w", remotePath, err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, u.String(), r)
	if err != nil {
		return fmt.Errorf("failed to build upload request: %w", err)
	}
	req.ContentLength = size
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to upload %s to guest: %w", remotePath, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("guest upload of %s failed: %s", remotePath, resp.Status)
	}
	log.Debugf("Uploaded %s to guest (%s)", remotePath, log.FormatSize(size))
	return nil
}

// Download copies remotePath from the guest into w and returns the number
// of bytes written.
func (s *Session) Download(ctx context.Context, w io.Writer, remotePath string) (int64, error) {
	info, err := s.fm.InitiateFileTransferFromGuest(ctx, s.auth, remotePath)
	if err != nil {
		if isFileNotFound(err) {
			return 0, fmt.Errorf("file %s: %w", remotePath, guest.ErrFileNotFound)
		}
		return 0, fmt.Errorf("failed to initiate download of %s: %w", remotePath, err)
	}
	u, err := s.fm.TransferURL(ctx, info.Url)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve transfer URL for %s: %w", remotePath, err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build download request: %w", err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to download %s from guest: %w", remotePath, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("guest download of %s failed: %s", remotePath, resp.Status)
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("failed to read guest file %s: %w", remotePath, err)
	}
	return n, nil
}
