package app

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/vmware/govmomi/object"

	"github.com/nevskii/guestops/pkg/config"
	"github.com/nevskii/guestops/pkg/guest"
	"github.com/nevskii/guestops/pkg/guest/sshguest"
	"github.com/nevskii/guestops/pkg/guest/vsphere"
	"github.com/nevskii/guestops/pkg/log"
	"github.com/nevskii/guestops/pkg/tools"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "guestops",
	Short: "guestops - Run commands, transfer files and handle archives inside VM guests",
	Long: `guestops drives the guest OS of a virtual machine from the outside:
it executes commands, transfers files and creates or extracts archives
inside the guest, over the vSphere guest operations API (VMware Tools)
or over plain SSH.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			log.SetVerbose(true)
		}
	},
}

// Run adds all child commands to the root command and sets flags, this is the entry point called by main.go
func Run() error {
	return rootCmd.Execute()
}

var (
	configFile    string
	vcenterURL    string
	vcenterUser   string
	vcenterPass   string
	insecure      bool
	vmPath        string
	vmUUID        string
	guestUser     string
	guestPassword string
	sshHost       string
	sshPort       string
	sshUser       string
	sshPassword   string
	sshKeyFile    string
	timeoutSec    int
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&vcenterURL, "vcenter-url", "", "vCenter or ESXi URL")
	rootCmd.PersistentFlags().StringVar(&vcenterUser, "vcenter-user", "", "vCenter username")
	rootCmd.PersistentFlags().StringVar(&vcenterPass, "vcenter-password", "", "vCenter password")
	rootCmd.PersistentFlags().BoolVarP(&insecure, "insecure", "k", false, "Skip TLS certificate verification")
	rootCmd.PersistentFlags().StringVar(&vmPath, "vm", "", "Virtual machine name or inventory path")
	rootCmd.PersistentFlags().StringVar(&vmUUID, "vm-uuid", "", "Virtual machine instance UUID")
	rootCmd.PersistentFlags().StringVar(&guestUser, "guest-user", "", "Guest OS username")
	rootCmd.PersistentFlags().StringVar(&guestPassword, "guest-password", "", "Guest OS password")
	rootCmd.PersistentFlags().StringVar(&sshHost, "ssh-host", "", "Guest SSH host (uses SSH instead of the vSphere API)")
	rootCmd.PersistentFlags().StringVar(&sshPort, "ssh-port", "22", "Guest SSH port")
	rootCmd.PersistentFlags().StringVar(&sshUser, "ssh-user", "", "Guest SSH user")
	rootCmd.PersistentFlags().StringVar(&sshPassword, "ssh-password", "", "Guest SSH password")
	rootCmd.PersistentFlags().StringVar(&sshKeyFile, "ssh-key", "", "Guest SSH private key file")
	rootCmd.PersistentFlags().IntVar(&timeoutSec, "timeout", 0, "Process exit polling budget in seconds")

	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig merges the config file, if any, with command line overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if configFile != "" {
		loaded, err := config.Load(configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if vcenterURL != "" {
		cfg.VCenter.URL = vcenterURL
	}
	if vcenterUser != "" {
		cfg.VCenter.Username = vcenterUser
	}
	if vcenterPass != "" {
		cfg.VCenter.Password = vcenterPass
	}
	if insecure {
		cfg.VCenter.Insecure = true
	}
	if guestUser != "" {
		cfg.Guest.Username = guestUser
	}
	if guestPassword != "" {
		cfg.Guest.Password = guestPassword
	}
	if sshHost != "" {
		cfg.SSH.Host = sshHost
	}
	if sshPort != "" {
		cfg.SSH.Port = sshPort
	}
	if sshUser != "" {
		cfg.SSH.User = sshUser
	}
	if sshPassword != "" {
		cfg.SSH.Password = sshPassword
	}
	if sshKeyFile != "" {
		cfg.SSH.KeyFile = sshKeyFile
	}
	if timeoutSec > 0 {
		cfg.Process.TimeoutSeconds = timeoutSec
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newTools connects to the guest and returns the operations facade along
// with a cleanup function.
func newTools(ctx context.Context) (*tools.Tools, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	waiter := guest.Waiter{Timeout: cfg.Timeout(), Interval: cfg.Interval()}

	if cfg.SSH.Host != "" {
		var key string
		if cfg.SSH.KeyFile != "" {
			data, err := os.ReadFile(cfg.SSH.KeyFile)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to read SSH key file %s: %w", cfg.SSH.KeyFile, err)
			}
			key = string(data)
		}
		sess, err := sshguest.Connect(ctx, sshguest.Config{
			Host:       cfg.SSH.Host,
			Port:       cfg.SSH.Port,
			User:       cfg.SSH.User,
			Password:   cfg.SSH.Password,
			PrivateKey: key,
		})
		if err != nil {
			return nil, nil, err
		}
		t := tools.New(sess)
		t.SetWaiter(waiter)
		return t, func() { sess.Close() }, nil
	}

	client, err := vsphere.Connect(ctx, cfg.VCenter.URL, cfg.VCenter.Username, cfg.VCenter.Password, cfg.VCenter.Insecure)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := client.Logout(context.Background()); err != nil {
			log.Warnf("Failed to log out of vCenter: %v", err)
		}
	}

	var vm *object.VirtualMachine
	switch {
	case vmUUID != "":
		vm, err = client.FindVMByUUID(ctx, vmUUID)
	case vmPath != "":
		vm, err = client.FindVM(ctx, vmPath)
	default:
		err = fmt.Errorf("one of --vm or --vm-uuid is required")
	}
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	sess, err := client.GuestSession(ctx, vm, cfg.Guest.Username, cfg.Guest.Password)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	t := tools.New(sess)
	t.SetWaiter(waiter)
	return t, cleanup, nil
}
