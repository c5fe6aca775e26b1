// Package reconcile drives a VM's CMDB records towards its inventory state.
// No CMDB state is cached: every run re-derives whether the VM is absent,
// registered or reconciled from fresh lookups.
package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/cmdb-reconciler/internal/cmdb"
	"github.com/devghori1264/aerophoenix/cmdb-reconciler/internal/inventory"
	"github.com/devghori1264/aerophoenix/cmdb-reconciler/internal/metadata"
	"github.com/devghori1264/aerophoenix/cmdb-reconciler/internal/models"
	"github.com/devghori1264/aerophoenix/cmdb-reconciler/internal/network"
)

// Result summarises what a workflow did.
type Result string

const (
	ResultCreated Result = "created"
	ResultDeleted Result = "deleted"
	ResultSkipped Result = "skipped"
)

// Workflow names used for spans and metrics.
const (
	WorkflowCreate = "create"
	WorkflowDelete = "delete"
)

// CMDB is the subset of the CMDB client the workflows drive.
type CMDB interface {
	CreateMachine(ctx context.Context, spec cmdb.MachineSpec) (string, error)
	DeleteMachine(ctx context.Context, machine string) error
	CreateHost(ctx context.Context, hostname string, spec cmdb.HostSpec) error
	DeleteHost(ctx context.Context, hostname string) error
	AddInterface(ctx context.Context, machine, iface, mac string) error
	SetInterfaceBootable(ctx context.Context, machine, iface string) error
	DeleteInterface(ctx context.Context, machine string) error
	DeleteAddress(ctx context.Context, ip, machine string) error
	SearchMachineBySerial(ctx context.Context, serial string) (string, bool, error)
	SearchHostByMachine(ctx context.Context, machine string) (string, bool, error)
	MachineDetails(ctx context.Context, machine string) (string, error)
	HostExists(ctx context.Context, hostname string) (bool, error)
	MakeHost(ctx context.Context, hostname string) error
}

// Addresses resolves VM addresses and hostnames.
type Addresses interface {
	Resolve(ctx context.Context, block models.AddressBlock) ([]network.NetworkAddress, error)
	ForwardIPv4(ctx context.Context, hostname string) (string, error)
}

// DurationObserver records how long a workflow ran.
type DurationObserver interface {
	ObserveWorkflow(workflow string, d time.Duration)
}

// Engine runs the create and delete workflows. It is not safe for concurrent
// runs against the same VM; the consumer feeds it one message at a time.
type Engine struct {
	cmdb      CMDB
	inventory inventory.Service
	addresses Addresses
	observer  DurationObserver
	tracer    trace.Tracer
	logger    *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithDurationObserver reports workflow durations to o.
func WithDurationObserver(o DurationObserver) Option {
	return func(e *Engine) { e.observer = o }
}

// New returns an Engine.
func New(c CMDB, inv inventory.Service, addrs Addresses, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if c == nil {
		return nil, fmt.Errorf("cmdb client is required")
	}
	if inv == nil {
		return nil, fmt.Errorf("inventory is required")
	}
	if addrs == nil {
		return nil, fmt.Errorf("address resolver is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	e := &Engine{
		cmdb:      c,
		inventory: inv,
		addresses: addrs,
		tracer:    otel.Tracer("cmdb-reconciler/reconcile"),
		logger:    logger,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

func (e *Engine) start(ctx context.Context, workflow string, id models.VMIdentity) (context.Context, func(*error)) {
	ctx, span := e.tracer.Start(ctx, "reconcile."+workflow,
		trace.WithAttributes(
			attribute.String("vm.instance_id", id.InstanceID),
			attribute.String("vm.project_id", id.ProjectID),
		),
	)
	began := time.Now()
	return ctx, func(errp *error) {
		if err := *errp; err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if e.observer != nil {
			e.observer.ObserveWorkflow(workflow, time.Since(began))
		}
	}
}

// Create registers the VM described by ev: machine, interface and host, then
// writes the assigned names back to the VM's metadata.
func (e *Engine) Create(ctx context.Context, ev *models.LifecycleEvent) (res Result, err error) {
	id := ev.Identity()
	ctx, finish := e.start(ctx, WorkflowCreate, id)
	defer finish(&err)

	log := e.logger.With(zap.String("instance_id", id.InstanceID), zap.String("vm_name", ev.Payload.VMName))
	log.Info("received create event",
		zap.String("project", ev.ProjectName), zap.String("project_id", id.ProjectID), zap.String("user", ev.UserName))
	if mn := ev.Payload.Metadata.MachineName; mn != "" {
		log.Info("machine name requested", zap.String("machine_name", mn))
	}

	exists, err := e.inventory.Exists(ctx, id)
	if err != nil {
		return "", fmt.Errorf("check vm exists: %w", err)
	}
	if !exists {
		log.Warn("vm does not exist, skipping creation")
		return ResultSkipped, nil
	}

	image, err := e.inventory.GetImageMetadata(ctx, id)
	if err != nil {
		return "", fmt.Errorf("get image metadata: %w", err)
	}
	vmMeta, err := e.inventory.GetMetadata(ctx, id)
	if err != nil {
		return "", fmt.Errorf("get vm metadata: %w", err)
	}
	if !metadata.IsManaged(image, vmMeta) {
		log.Debug("vm image is not managed, ignoring")
		return ResultSkipped, nil
	}

	build, err := metadata.Resolve(image, vmMeta, log)
	if err != nil {
		return "", fmt.Errorf("resolve build metadata: %w", err)
	}

	block, err := e.inventory.GetNetworks(ctx, id)
	if err != nil {
		return "", fmt.Errorf("get vm networks: %w", err)
	}
	addrs, err := e.addresses.Resolve(ctx, block)
	if err != nil {
		return "", fmt.Errorf("resolve addresses: %w", err)
	}
	primary, ok := network.Primary(addrs)
	if !ok {
		log.Info("vm has no routable hostname yet, skipping")
		return ResultSkipped, nil
	}

	log.Info("clearing existing cmdb records", zap.String("hostname", primary.Hostname))
	if _, err := e.remove(ctx, id, primary.Hostname, log); err != nil {
		return "", fmt.Errorf("pre-clean: %w", err)
	}

	machine, err := e.cmdb.CreateMachine(ctx, cmdb.MachineSpec{
		Serial:   id.InstanceID,
		VMHost:   ev.Payload.VMHost,
		CPUCount: ev.Payload.VCPUs,
		MemoryMB: ev.Payload.MemoryMB,
	})
	if err != nil {
		return "", err
	}
	log = log.With(zap.String("machine", machine))

	if err := e.cmdb.AddInterface(ctx, machine, cmdb.DefaultInterface, primary.MACAddr); err != nil {
		return "", err
	}
	if err := e.cmdb.SetInterfaceBootable(ctx, machine, cmdb.DefaultInterface); err != nil {
		return "", err
	}
	if err := e.cmdb.CreateHost(ctx, primary.Hostname, cmdb.HostSpec{
		Machine:  machine,
		IP:       primary.Addr,
		Metadata: build,
	}); err != nil {
		return "", err
	}

	if err := e.cmdb.MakeHost(ctx, primary.Hostname); err != nil {
		if !cmdb.IsExpectedFailure(err) {
			return "", err
		}
		log.Warn("template make failed", zap.String("hostname", primary.Hostname), zap.Error(err))
	}

	if err := e.writeBack(ctx, id, addrs, log); err != nil {
		return "", err
	}

	log.Info("finished create", zap.String("hostname", primary.Hostname))
	return ResultCreated, nil
}

// writeBack records the CMDB names on the VM, unless it was deleted while the
// workflow ran.
func (e *Engine) writeBack(ctx context.Context, id models.VMIdentity, addrs []network.NetworkAddress, log *zap.Logger) error {
	exists, err := e.inventory.Exists(ctx, id)
	if err != nil {
		return fmt.Errorf("check vm exists: %w", err)
	}
	if !exists {
		log.Warn("vm no longer exists, skipping metadata update")
		return nil
	}

	machine, _, err := e.cmdb.SearchMachineBySerial(ctx, id.InstanceID)
	if err != nil {
		return err
	}
	md := map[string]string{
		inventory.KeyHostnames: strings.Join(network.Hostnames(addrs), ","),
		inventory.KeyStatus:    inventory.StatusSuccess,
		inventory.KeyMachine:   machine,
	}
	if err := e.inventory.UpdateMetadata(ctx, id, md); err != nil {
		return fmt.Errorf("update vm metadata: %w", err)
	}
	log.Debug("vm metadata updated")
	return nil
}

// Delete removes every CMDB record belonging to the VM in ev.
func (e *Engine) Delete(ctx context.Context, ev *models.LifecycleEvent) (Result, error) {
	e.logger.Info("received delete event",
		zap.String("instance_id", ev.Payload.InstanceID),
		zap.String("vm_name", ev.Payload.VMName),
		zap.String("project", ev.ProjectName))
	return e.DeleteVM(ctx, ev.Identity(), "")
}

// DeleteVM removes the VM's CMDB records. knownHostname, when set, is deleted
// first if a host exists under it. Deleting a VM with no records is a no-op.
func (e *Engine) DeleteVM(ctx context.Context, id models.VMIdentity, knownHostname string) (res Result, err error) {
	ctx, finish := e.start(ctx, WorkflowDelete, id)
	defer finish(&err)

	log := e.logger.With(zap.String("instance_id", id.InstanceID))
	res, err = e.remove(ctx, id, knownHostname, log)
	if err == nil {
		log.Info("finished delete", zap.String("result", string(res)))
	}
	return res, err
}

// remove is the fixed cleanup order the CMDB enforces: host, then address and
// interface, then machine.
func (e *Engine) remove(ctx context.Context, id models.VMIdentity, knownHostname string, log *zap.Logger) (Result, error) {
	if knownHostname != "" {
		exists, err := e.cmdb.HostExists(ctx, knownHostname)
		if err != nil {
			return "", err
		}
		if exists {
			log.Info("deleting host", zap.String("hostname", knownHostname))
			if err := e.cmdb.DeleteHost(ctx, knownHostname); err != nil {
				return "", err
			}
		}
	}

	machine, found, err := e.cmdb.SearchMachineBySerial(ctx, id.InstanceID)
	if err != nil {
		return "", err
	}
	if !found {
		log.Info("no existing cmdb record")
		return ResultSkipped, nil
	}

	bound, hasHost, err := e.cmdb.SearchHostByMachine(ctx, machine)
	if err != nil {
		return "", err
	}
	detail, err := e.cmdb.MachineDetails(ctx, machine)
	if err != nil {
		return "", err
	}

	if hasHost {
		if err := e.removeBound(ctx, machine, bound, detail, log); err != nil {
			return "", err
		}
	}

	log.Info("deleting machine", zap.String("machine", machine))
	if err := e.cmdb.DeleteMachine(ctx, machine); err != nil {
		return "", err
	}
	return ResultDeleted, nil
}

// removeBound clears the host bound to machine, or its dangling address and
// interface when the host record is already gone.
func (e *Engine) removeBound(ctx context.Context, machine, hostname, detail string, log *zap.Logger) error {
	exists, err := e.cmdb.HostExists(ctx, hostname)
	if err != nil {
		return err
	}
	if exists {
		log.Info("deleting old host", zap.String("hostname", hostname))
		return e.cmdb.DeleteHost(ctx, hostname)
	}

	ip, err := e.addresses.ForwardIPv4(ctx, hostname)
	if err != nil {
		return err
	}
	if cmdb.HasAddress(detail, ip) {
		log.Info("deleting address", zap.String("ip", ip))
		if err := e.cmdb.DeleteAddress(ctx, ip, machine); err != nil {
			return err
		}
	}
	if cmdb.HasInterface(detail, cmdb.DefaultInterface) {
		log.Info("deleting interface", zap.String("interface", cmdb.DefaultInterface))
		if err := e.cmdb.DeleteInterface(ctx, machine); err != nil {
			return err
		}
	}
	return nil
}
