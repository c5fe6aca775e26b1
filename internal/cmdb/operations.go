package cmdb

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/cmdb-reconciler/internal/metadata"
	"github.com/devghori1264/aerophoenix/cmdb-reconciler/internal/models"
)

// DefaultInterface is the only NIC the reconciler registers and cleans up.
const DefaultInterface = "eth0"

// MachineSpec describes the machine record created for a VM.
type MachineSpec struct {
	Serial   string
	VMHost   string
	CPUCount int
	MemoryMB int
}

// HostSpec binds a host to a machine and address.
type HostSpec struct {
	Machine  string
	IP       string
	Metadata *metadata.BuildMetadata
}

// CreateMachine allocates the next free machine name under the configured
// prefix and returns it.
func (c *Client) CreateMachine(ctx context.Context, spec MachineSpec) (string, error) {
	c.logger.Debug("creating machine", zap.String("serial", spec.Serial))
	params := url.Values{
		"model":    {c.model},
		"serial":   {spec.Serial},
		"vmhost":   {spec.VMHost},
		"cpucount": {strconv.Itoa(spec.CPUCount)},
		"memory":   {strconv.Itoa(spec.MemoryMB)},
	}
	out, err := c.do(ctx, http.MethodPut, "/next_machine/"+url.PathEscape(c.prefix), params, "Create Machine")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// DeleteMachine removes a machine record.
func (c *Client) DeleteMachine(ctx context.Context, machine string) error {
	c.logger.Debug("deleting machine", zap.String("machine", machine))
	_, err := c.do(ctx, http.MethodDelete, "/machine/"+url.PathEscape(machine), nil, "Delete Machine")
	return err
}

// CreateHost creates hostname on the given machine, placed in the sandbox if
// one is set and the domain otherwise.
func (c *Client) CreateHost(ctx context.Context, hostname string, spec HostSpec) error {
	if spec.Metadata == nil {
		return fmt.Errorf("create host %s: build metadata is required", hostname)
	}
	md := spec.Metadata
	params := url.Values{
		"machine":     {spec.Machine},
		"ip":          {spec.IP},
		"archetype":   {md.Archetype},
		"personality": {md.Personality},
		"osname":      {md.OSName},
		"osversion":   {md.OSVersion},
	}
	key, value := md.Selector()
	params.Set(key, value)

	c.logger.Debug("creating host", zap.String("hostname", hostname), zap.String("machine", spec.Machine))
	_, err := c.do(ctx, http.MethodPut, "/host/"+url.PathEscape(hostname), params, "Host Create")
	return err
}

// DeleteHost removes a host record.
func (c *Client) DeleteHost(ctx context.Context, hostname string) error {
	c.logger.Debug("deleting host", zap.String("hostname", hostname))
	_, err := c.do(ctx, http.MethodDelete, "/host/"+url.PathEscape(hostname), nil, "Host Delete")
	return err
}

// DeleteAddress removes ip from the machine's default interface.
func (c *Client) DeleteAddress(ctx context.Context, ip, machine string) error {
	c.logger.Debug("deleting address", zap.String("ip", ip), zap.String("machine", machine))
	params := url.Values{"ip": {ip}, "machine": {machine}, "interface": {DefaultInterface}}
	_, err := c.do(ctx, http.MethodDelete, "/interface_address", params, "Address Delete")
	return err
}

// DeleteInterface removes the machine's default interface.
func (c *Client) DeleteInterface(ctx context.Context, machine string) error {
	c.logger.Debug("deleting interface", zap.String("machine", machine))
	params := url.Values{"interface": {DefaultInterface}, "machine": {machine}}
	_, err := c.do(ctx, http.MethodPost, "/interface/command/del", params, "Interface Delete")
	return err
}

// AddInterface attaches a NIC with the given MAC to machine.
func (c *Client) AddInterface(ctx context.Context, machine, iface, mac string) error {
	c.logger.Debug("adding interface", zap.String("interface", iface), zap.String("machine", machine))
	path := fmt.Sprintf("/machine/%s/interface/%s", url.PathEscape(machine), url.PathEscape(iface))
	_, err := c.do(ctx, http.MethodPut, path, url.Values{"mac": {mac}}, "Add Machine Interface")
	return err
}

// SetInterfaceBootable marks iface as the boot and default-route interface.
func (c *Client) SetInterfaceBootable(ctx context.Context, machine, iface string) error {
	c.logger.Debug("setting interface bootable", zap.String("interface", iface), zap.String("machine", machine))
	path := fmt.Sprintf("/machine/%s/interface/%s?boot&default_route", url.PathEscape(machine), url.PathEscape(iface))
	_, err := c.do(ctx, http.MethodPost, path, nil, "Update Machine Interface")
	return err
}

// SearchMachineBySerial returns the machine whose serial is serial.
func (c *Client) SearchMachineBySerial(ctx context.Context, serial string) (string, bool, error) {
	c.logger.Debug("searching machine by serial", zap.String("serial", serial))
	out, err := c.do(ctx, http.MethodGet, "/find/machine", url.Values{"serial": {serial}}, "Search Machine")
	if err != nil {
		return "", false, err
	}
	name := strings.TrimSpace(out)
	return name, name != "", nil
}

// SearchHostByMachine returns the hostname bound to machine.
func (c *Client) SearchHostByMachine(ctx context.Context, machine string) (string, bool, error) {
	c.logger.Debug("searching host by machine", zap.String("machine", machine))
	out, err := c.do(ctx, http.MethodGet, "/find/host", url.Values{"machine": {machine}}, "Search Host")
	if err != nil {
		return "", false, err
	}
	name := strings.TrimSpace(out)
	return name, name != "", nil
}

// MachineDetails returns the CMDB's free-text description of machine.
func (c *Client) MachineDetails(ctx context.Context, machine string) (string, error) {
	out, err := c.do(ctx, http.MethodGet, "/machine/"+url.PathEscape(machine), nil, "Get Machine Details")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// HostExists queries /host/{hostname}. Only a 400 reading "Host <hostname>
// not found" means false; any other 400 is returned.
func (c *Client) HostExists(ctx context.Context, hostname string) (bool, error) {
	c.logger.Debug("checking host exists", zap.String("hostname", hostname))
	_, err := c.do(ctx, http.MethodGet, "/host/"+url.PathEscape(hostname), nil, "Check Host")
	if err == nil {
		return true, nil
	}
	var ef *ExpectedFailureError
	if errors.As(err, &ef) && strings.Contains(ef.Text, "Host "+hostname+" not found") {
		return false, nil
	}
	return false, err
}

// MakeHost regenerates the templates for hostname.
func (c *Client) MakeHost(ctx context.Context, hostname string) error {
	if strings.TrimSpace(hostname) == "" {
		return &models.ValidationError{Field: "hostname", Reason: "cannot be empty"}
	}
	c.logger.Debug("making templates", zap.String("hostname", hostname))
	_, err := c.do(ctx, http.MethodPost, "/host/"+url.PathEscape(hostname)+"/command/make", nil, "Make Template")
	return err
}

// ManageHost moves hostname into the sandbox or domain selected by md.
func (c *Client) ManageHost(ctx context.Context, hostname string, md *metadata.BuildMetadata) error {
	if strings.TrimSpace(hostname) == "" {
		return &models.ValidationError{Field: "hostname", Reason: "cannot be empty"}
	}
	params := url.Values{"hostname": {hostname}, "force": {"true"}}
	key, value := md.Selector()
	params.Set(key, value)

	c.logger.Debug("managing host", zap.String("hostname", hostname), zap.String(key, value))
	_, err := c.do(ctx, http.MethodPost, "/host/"+url.PathEscape(hostname)+"/command/manage", params, "Manage Host")
	return err
}
