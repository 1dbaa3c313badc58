// Package vsphere implements guest.Session on top of the vSphere guest
// operations API (VMware Tools). It only drives the platform's managers;
// command execution semantics live in the callers.
package vsphere

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/find"
	govguest "github.com/vmware/govmomi/guest"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/vim25/soap"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/nevskii/guestops/pkg/log"
)

// Client is an authenticated vCenter/ESXi connection.
type Client struct {
	vim      *govmomi.Client
	insecure bool
}

// Connect logs in to vCenter or a standalone ESXi host.
func Connect(ctx context.Context, vcenterURL, username, password string, insecure bool) (*Client, error) {
	u, err := soap.ParseURL(vcenterURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse vCenter URL %s: %w", vcenterURL, err)
	}
	u.User = url.UserPassword(username, password)

	vim, err := govmomi.NewClient(ctx, u, insecure)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", u.Host, err)
	}
	log.Debugf("Connected to %s", u.Host)
	return &Client{vim: vim, insecure: insecure}, nil
}

// Logout ends the vCenter session.
func (c *Client) Logout(ctx context.Context) error {
	return c.vim.Logout(ctx)
}

// FindVM locates a virtual machine by inventory path or name within the
// default datacenter.
func (c *Client) FindVM(ctx context.Context, path string) (*object.VirtualMachine, error) {
	finder := find.NewFinder(c.vim.Client, true)
	dc, err := finder.DefaultDatacenter(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to find default datacenter: %w", err)
	}
	finder.SetDatacenter(dc)
	vm, err := finder.VirtualMachine(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to find virtual machine %s: %w", path, err)
	}
	return vm, nil
}

// FindVMByUUID locates a virtual machine by its instance UUID.
func (c *Client) FindVMByUUID(ctx context.Context, uuid string) (*object.VirtualMachine, error) {
	finder := find.NewFinder(c.vim.Client, true)
	dc, err := finder.DefaultDatacenter(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to find default datacenter: %w", err)
	}
	searchIndex := object.NewSearchIndex(c.vim.Client)
	ref, err := searchIndex.FindByUuid(ctx, dc, uuid, true, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to look up VM by UUID %s: %w", uuid, err)
	}
	if ref == nil {
		return nil, fmt.Errorf("no virtual machine with UUID %s", uuid)
	}
	return object.NewVirtualMachine(c.vim.Client, ref.Reference()), nil
}

// GuestSession authenticates against the guest OS of the given VM and
// returns a session for guest operations. VMware Tools must be running in
// the guest.
func (c *Client) GuestSession(ctx context.Context, vm *object.VirtualMachine, username, password string) (*Session, error) {
	om := govguest.NewOperationsManager(c.vim.Client, vm.Reference())
	pm, err := om.ProcessManager(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create guest process manager: %w", err)
	}
	fm, err := om.FileManager(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create guest file manager: %w", err)
	}

	// Transfer URLs point at the ESX host; uploads and downloads go over
	// plain HTTPS with retries, outside the SOAP channel.
	httpClient := retryablehttp.NewClient()
	httpClient.Logger = nil
	httpClient.RetryMax = 3
	if c.insecure {
		httpClient.HTTPClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	return newSession(vm, pm, fm, &types.NamePasswordAuthentication{
		Username: username,
		Password: password,
	}, httpClient), nil
}

// isFileNotFound reports whether err is the platform's FileNotFound fault,
// raised both for missing files and for missing program paths.
func isFileNotFound(err error) bool {
	if err == nil {
		return false
	}
	if soap.IsSoapFault(err) {
		switch soap.ToSoapFault(err).VimFault().(type) {
		case types.FileNotFound, *types.FileNotFound:
			return true
		}
	}
	if soap.IsVimFault(err) {
		if _, ok := soap.ToVimFault(err).(*types.FileNotFound); ok {
			return true
		}
	}
	return false
}
