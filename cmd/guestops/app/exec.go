package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nevskii/guestops/pkg/log"
	"github.com/nevskii/guestops/pkg/tools"
)

var (
	execWorkDir    string
	execEnv        []string
	execSaveOutput bool
	execNoWait     bool
)

var execCmd = &cobra.Command{
	Use:   "exec <command>...",
	Short: "Run a command through the guest's shell",
	Long: `Run a command inside the guest through its native shell (cmd.exe on
Windows guests, /bin/sh elsewhere) and wait for its exit code. With
--output the combined stdout/stderr is captured in the guest and printed
once the command finishes.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		t, cleanup, err := newTools(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		command := strings.Join(args, " ")
		handle, err := t.ExecuteCommand(ctx, command, tools.ExecOptions{
			WorkingDir: execWorkDir,
			Env:        execEnv,
			SaveOutput: execSaveOutput,
		})
		if err != nil {
			return err
		}
		if execNoWait {
			fmt.Printf("Started guest process %d\n", handle)
			return nil
		}

		code, err := t.ExitCode(ctx, handle)
		if err != nil {
			return err
		}
		if execSaveOutput {
			out, err := t.ProcessOutput(ctx, handle)
			if err != nil {
				return err
			}
			os.Stdout.Write(out)
		}
		if code != 0 {
			log.Errorf("Command exited with code %d", code)
			// os.Exit skips the deferred logout.
			cleanup()
			os.Exit(int(code))
		}
		return nil
	},
}

func init() {
	execCmd.Flags().StringVarP(&execWorkDir, "workdir", "w", "", "Working directory in the guest")
	execCmd.Flags().StringArrayVarP(&execEnv, "env", "e", nil, "Environment variable NAME=value (repeatable)")
	execCmd.Flags().BoolVarP(&execSaveOutput, "output", "o", false, "Capture and print the command output")
	execCmd.Flags().BoolVar(&execNoWait, "no-wait", false, "Start the command and return immediately")
}
