package archive

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nevskii/guestops/pkg/guest"
)

// fakeSession records every started process and scripts exit codes, so
// tests can count guest processes and simulate archiver failures without a
// hypervisor.
type fakeSession struct {
	identity string
	// exitFor decides the exit code for a started spec. Nil means 0.
	exitFor func(spec guest.ProcessSpec) int32
	// startErr lets a test fail the start itself (e.g. missing program).
	startErr func(spec guest.ProcessSpec) error
	started  []guest.ProcessSpec
	exits    []int32
}

func (f *fakeSession) Identity(ctx context.Context) (string, error) {
	return f.identity, nil
}

func (f *fakeSession) StartProcess(ctx context.Context, spec guest.ProcessSpec) (guest.ProcessHandle, error) {
	if f.startErr != nil {
		if err := f.startErr(spec); err != nil {
			return 0, err
		}
	}
	f.started = append(f.started, spec)
	var code int32
	if f.exitFor != nil {
		code = f.exitFor(spec)
	}
	f.exits = append(f.exits, code)
	return guest.ProcessHandle(len(f.started)), nil
}

func (f *fakeSession) PollExitCode(ctx context.Context, handle guest.ProcessHandle) (*int32, error) {
	code := f.exits[int(handle)-1]
	return &code, nil
}

const (
	winIdentity    = "windows2019srvNext_64Guest"
	debianIdentity = "debian12_64Guest"
)

func newWindowsFake() *fakeSession {
	return &fakeSession{identity: winIdentity}
}

func newDebianFake() *fakeSession {
	return &fakeSession{identity: debianIdentity}
}

func mustWindows(t *testing.T, session *fakeSession) *WindowsStrategy {
	t.Helper()
	s, err := NewWindowsStrategy(context.Background(), session)
	if err != nil {
		t.Fatalf("NewWindowsStrategy failed: %v", err)
	}
	return s
}

func mustDebian(t *testing.T, session *fakeSession) *DebianStrategy {
	t.Helper()
	s, err := NewDebianStrategy(context.Background(), session)
	if err != nil {
		t.Fatalf("NewDebianStrategy failed: %v", err)
	}
	return s
}

func TestFormatOf(t *testing.T) {
	cases := []struct {
		explicit, path, want string
	}{
		{"", "/a/b/1.zip", ".zip"},
		{"", "/a/b/1.tar", ".tar"},
		{"", "/a/b/1.tar.gz", ".tar.gz"},
		{"", `C:\tests\archive.backup.zip`, ".backup.zip"},
		{"", "/a/b/archive", ""},
		{"tar", "/a/b/whatever.zip", "tar"},
	}
	for _, c := range cases {
		if got := formatOf(c.explicit, c.path); got != c.want {
			t.Errorf("formatOf(%q, %q) = %q, want %q", c.explicit, c.path, got, c.want)
		}
	}
}

func TestTarGzRejectedWithoutStartingProcesses(t *testing.T) {
	ctx := context.Background()

	for name, build := range map[string]func(t *testing.T) (Strategy, *fakeSession){
		"windows": func(t *testing.T) (Strategy, *fakeSession) {
			f := newWindowsFake()
			return mustWindows(t, f), f
		},
		"debian": func(t *testing.T) (Strategy, *fakeSession) {
			f := newDebianFake()
			return mustDebian(t, f), f
		},
	} {
		t.Run(name, func(t *testing.T) {
			strategy, session := build(t)
			setup := len(session.started)

			err := strategy.Archive(ctx, []string{"/a/1.txt"}, "/a/1.tar.gz", Options{})
			var formatErr *UnsupportedFormatError
			if !errors.As(err, &formatErr) {
				t.Fatalf("Archive of tar.gz returned %v, want UnsupportedFormatError", err)
			}

			err = strategy.Extract(ctx, "/a/1.tar.gz", "/a/out", Options{})
			if !errors.As(err, &formatErr) {
				t.Fatalf("Extract of tar.gz returned %v, want UnsupportedFormatError", err)
			}

			if len(session.started) != setup {
				t.Errorf("tar.gz dispatch started %d guest processes, want 0", len(session.started)-setup)
			}
		})
	}
}

func TestUnrecognizedFormatRejected(t *testing.T) {
	f := newDebianFake()
	s := mustDebian(t, f)

	err := s.Archive(context.Background(), []string{"/a/1.txt"}, "/a/1.rar", Options{})
	var formatErr *UnsupportedFormatError
	if !errors.As(err, &formatErr) {
		t.Fatalf("Archive into .rar returned %v, want UnsupportedFormatError", err)
	}
	if formatErr.Format != ".rar" {
		t.Errorf("error format = %q, want %q", formatErr.Format, ".rar")
	}
}

func TestWrongOSConstructionFailsBeforeAnyProcess(t *testing.T) {
	ctx := context.Background()

	f := newDebianFake()
	_, err := NewWindowsStrategy(ctx, f)
	var envErr *UnsupportedEnvironmentError
	if !errors.As(err, &envErr) {
		t.Fatalf("NewWindowsStrategy on debian identity returned %v, want UnsupportedEnvironmentError", err)
	}
	if len(f.started) != 0 {
		t.Errorf("wrong-OS construction started %d processes, want 0", len(f.started))
	}

	f = newWindowsFake()
	_, err = NewDebianStrategy(ctx, f)
	if !errors.As(err, &envErr) {
		t.Fatalf("NewDebianStrategy on windows identity returned %v, want UnsupportedEnvironmentError", err)
	}
	if len(f.started) != 0 {
		t.Errorf("wrong-OS construction started %d processes, want 0", len(f.started))
	}
}

func TestWindowsToolProbe(t *testing.T) {
	t.Run("first succeeding candidate is cached", func(t *testing.T) {
		f := newWindowsFake()
		f.exitFor = func(spec guest.ProcessSpec) int32 {
			if strings.Contains(spec.Arguments, "7za") {
				return 1
			}
			return 0
		}
		s := mustWindows(t, f)
		if s.exeName != "7z" {
			t.Errorf("cached tool = %q, want %q", s.exeName, "7z")
		}
		// two probes: 7za (failed), 7z (succeeded)
		if len(f.started) != 2 {
			t.Errorf("probe started %d processes, want 2", len(f.started))
		}
	})

	t.Run("no candidate means environment not ready", func(t *testing.T) {
		f := newWindowsFake()
		f.exitFor = func(guest.ProcessSpec) int32 { return 1 }
		_, err := NewWindowsStrategy(context.Background(), f)
		var notReady *EnvironmentNotReadyError
		if !errors.As(err, &notReady) {
			t.Fatalf("probe failure returned %v, want EnvironmentNotReadyError", err)
		}
		if len(f.started) != len(windowsToolCandidates) {
			t.Errorf("probe started %d processes, want %d", len(f.started), len(windowsToolCandidates))
		}
	})
}

func TestDebianReadinessCheck(t *testing.T) {
	f := newDebianFake()
	f.startErr = func(spec guest.ProcessSpec) error {
		if spec.Path == "/usr/bin/unzip" {
			return guest.ErrFileNotFound
		}
		return nil
	}
	_, err := NewDebianStrategy(context.Background(), f)
	var notReady *EnvironmentNotReadyError
	if !errors.As(err, &notReady) {
		t.Fatalf("missing unzip returned %v, want EnvironmentNotReadyError", err)
	}
	if notReady.Tool != "unzip" {
		t.Errorf("error names tool %q, want %q", notReady.Tool, "unzip")
	}
}

func TestWindowsArchiveBatchesAllPaths(t *testing.T) {
	f := newWindowsFake()
	s := mustWindows(t, f)
	setup := len(f.started)

	paths := []string{`C:\t\1.txt`, `C:\t\inner\*`, `C:\t\2.txt`}
	if err := s.Archive(context.Background(), paths, `C:\t\all.zip`, Options{Password: "123"}); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	if got := len(f.started) - setup; got != 1 {
		t.Fatalf("windows archive of %d paths started %d processes, want 1", len(paths), got)
	}

	spec := f.started[len(f.started)-1]
	if spec.Path != windowsShell {
		t.Errorf("program = %q, want %q", spec.Path, windowsShell)
	}
	for _, want := range []string{"a -y -tzip", `C:\t\all.zip`, strings.Join(paths, " "), "-p123"} {
		if !strings.Contains(spec.Arguments, want) {
			t.Errorf("command %q does not contain %q", spec.Arguments, want)
		}
	}
}

func TestWindowsArchiveFailureCarriesExitCode(t *testing.T) {
	f := newWindowsFake()
	s := mustWindows(t, f)
	f.exitFor = func(guest.ProcessSpec) int32 { return 2 }

	err := s.Archive(context.Background(), []string{`C:\t\1.txt`}, `C:\t\1.zip`, Options{})
	var archErr *ArchivingError
	if !errors.As(err, &archErr) {
		t.Fatalf("nonzero exit returned %v, want ArchivingError", err)
	}
	if archErr.ExitCode != 2 {
		t.Errorf("exit code = %d, want 2", archErr.ExitCode)
	}
}

func TestWindowsExtractDefaultsToArchiveParent(t *testing.T) {
	f := newWindowsFake()
	s := mustWindows(t, f)
	setup := len(f.started)

	if err := s.Extract(context.Background(), `C:\t\inner\1.zip`, "", Options{}); err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	spec := f.started[setup]
	if !strings.Contains(spec.Arguments, `-oC:\t\inner`) {
		t.Errorf("command %q does not extract into the archive's parent directory", spec.Arguments)
	}
}

func TestDebianArchiveRunsOneProcessPerPath(t *testing.T) {
	f := newDebianFake()
	s := mustDebian(t, f)
	setup := len(f.started)

	paths := []string{"/home/d/1.txt", "/home/d/inner/*", "/home/d/2.txt"}
	if err := s.Archive(context.Background(), paths, "/home/d/all.zip", Options{}); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	got := f.started[setup:]
	if len(got) != len(paths) {
		t.Fatalf("debian archive of %d paths started %d processes, want %d", len(paths), len(got), len(paths))
	}
	for i, spec := range got {
		if spec.Path != "/usr/bin/zip" {
			t.Errorf("process %d program = %q, want /usr/bin/zip", i, spec.Path)
		}
	}
	// Paths are archived from their parent directory by base name so the
	// archive holds relative entries.
	if got[1].WorkingDir != "/home/d/inner" {
		t.Errorf("working dir = %q, want %q", got[1].WorkingDir, "/home/d/inner")
	}
	if !strings.Contains(got[1].Arguments, "-ur /home/d/all.zip *") {
		t.Errorf("command %q does not update the archive with the base name", got[1].Arguments)
	}
}

func TestDebianArchiveAbortsOnFirstFailure(t *testing.T) {
	f := newDebianFake()
	s := mustDebian(t, f)
	setup := len(f.started)

	f.exitFor = func(spec guest.ProcessSpec) int32 {
		if spec.WorkingDir == "/home/d/bad" {
			return 12
		}
		return 0
	}
	paths := []string{"/home/d/1.txt", "/home/d/bad/2.txt", "/home/d/3.txt"}
	err := s.Archive(context.Background(), paths, "/home/d/all.zip", Options{})

	var archErr *ArchivingError
	if !errors.As(err, &archErr) {
		t.Fatalf("failing path returned %v, want ArchivingError", err)
	}
	if len(archErr.Paths) != 1 || archErr.Paths[0] != "/home/d/bad/2.txt" {
		t.Errorf("error paths = %v, want the single offending path", archErr.Paths)
	}
	if archErr.ExitCode != 12 {
		t.Errorf("exit code = %d, want 12", archErr.ExitCode)
	}
	// The loop stops at the failure; the third path is never attempted and
	// the partial archive is left as is.
	if got := len(f.started) - setup; got != 2 {
		t.Errorf("started %d processes before aborting, want 2", got)
	}
}

func TestDebianTarIgnoresPassword(t *testing.T) {
	f := newDebianFake()
	s := mustDebian(t, f)
	setup := len(f.started)

	if err := s.Archive(context.Background(), []string{"/home/d/1.txt"}, "/home/d/1.tar", Options{Password: "secret"}); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	spec := f.started[setup]
	if spec.Path != "/usr/bin/tar" {
		t.Errorf("program = %q, want /usr/bin/tar", spec.Path)
	}
	if strings.Contains(spec.Arguments, "secret") {
		t.Errorf("tar command %q must not carry the password", spec.Arguments)
	}
}

func TestDebianExtract(t *testing.T) {
	f := newDebianFake()
	s := mustDebian(t, f)
	setup := len(f.started)

	if err := s.Extract(context.Background(), "/home/d/1.zip", "/home/d/out", Options{Password: "123"}); err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	spec := f.started[setup]
	if spec.Path != "/usr/bin/unzip" {
		t.Errorf("program = %q, want /usr/bin/unzip", spec.Path)
	}
	for _, want := range []string{"/home/d/1.zip", "-d /home/d/out", "-P 123"} {
		if !strings.Contains(spec.Arguments, want) {
			t.Errorf("command %q does not contain %q", spec.Arguments, want)
		}
	}

	f.exitFor = func(guest.ProcessSpec) int32 { return 9 }
	err := s.Extract(context.Background(), "/home/d/1.tar", "/home/d/out", Options{})
	var extErr *ExtractionError
	if !errors.As(err, &extErr) {
		t.Fatalf("nonzero exit returned %v, want ExtractionError", err)
	}
	if extErr.ExitCode != 9 {
		t.Errorf("exit code = %d, want 9", extErr.ExitCode)
	}
}

func TestResolver(t *testing.T) {
	ctx := context.Background()

	t.Run("windows identity resolves windows strategy", func(t *testing.T) {
		s, err := Resolve(ctx, newWindowsFake())
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if _, ok := s.(*WindowsStrategy); !ok {
			t.Errorf("Resolve returned %T, want *WindowsStrategy", s)
		}
	})

	t.Run("debian identity resolves debian strategy", func(t *testing.T) {
		s, err := Resolve(ctx, newDebianFake())
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if _, ok := s.(*DebianStrategy); !ok {
			t.Errorf("Resolve returned %T, want *DebianStrategy", s)
		}
	})

	t.Run("windows wins when both tokens match", func(t *testing.T) {
		s, err := Resolve(ctx, &fakeSession{identity: "win-debian-custom"})
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if _, ok := s.(*WindowsStrategy); !ok {
			t.Errorf("Resolve returned %T, want *WindowsStrategy (fixed priority order)", s)
		}
	})

	t.Run("unknown identity fails", func(t *testing.T) {
		_, err := Resolve(ctx, &fakeSession{identity: "otherLinux64Guest"})
		var envErr *UnsupportedEnvironmentError
		if !errors.As(err, &envErr) {
			t.Fatalf("Resolve returned %v, want UnsupportedEnvironmentError", err)
		}
		if envErr.Identity != "otherLinux64Guest" {
			t.Errorf("error identity = %q, want the guest identity", envErr.Identity)
		}
	})

	t.Run("construction failure propagates, no fall-through", func(t *testing.T) {
		// Identity matches both tokens but no 7-Zip is installed: the
		// resolver must surface the windows construction failure instead of
		// trying the debian strategy.
		f := &fakeSession{identity: "win-debian-custom"}
		f.exitFor = func(guest.ProcessSpec) int32 { return 1 }
		_, err := Resolve(ctx, f)
		var notReady *EnvironmentNotReadyError
		if !errors.As(err, &notReady) {
			t.Fatalf("Resolve returned %v, want EnvironmentNotReadyError", err)
		}
	})
}
