package reconcile

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/devghori1264/aerophoenix/cmdb-reconciler/internal/cmdb"
	"github.com/devghori1264/aerophoenix/cmdb-reconciler/internal/models"
)

type fakeMachine struct {
	serial string
	bound  string
	iface  string
	ip     string
}

// fakeCMDB keeps just enough CMDB state to check the workflows converge.
type fakeCMDB struct {
	mu       sync.Mutex
	calls    []string
	next     int
	machines map[string]*fakeMachine
	hosts    map[string]string // hostname -> machine
	specs    map[string]cmdb.HostSpec
	makeErr  error
	failOn   map[string]error
}

func newFakeCMDB() *fakeCMDB {
	return &fakeCMDB{
		machines: map[string]*fakeMachine{},
		hosts:    map[string]string{},
		specs:    map[string]cmdb.HostSpec{},
		failOn:   map[string]error{},
	}
}

func (f *fakeCMDB) record(op string) error {
	f.calls = append(f.calls, op)
	return f.failOn[op]
}

func (f *fakeCMDB) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeCMDB) CreateMachine(_ context.Context, spec cmdb.MachineSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateMachine"); err != nil {
		return "", err
	}
	f.next++
	name := fmt.Sprintf("vm-openstack-%d", f.next)
	f.machines[name] = &fakeMachine{serial: spec.Serial}
	return name, nil
}

func (f *fakeCMDB) DeleteMachine(_ context.Context, machine string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteMachine"); err != nil {
		return err
	}
	if _, ok := f.machines[machine]; !ok {
		return &cmdb.ExpectedFailureError{Desc: "Delete Machine", Text: "Machine " + machine + " not found."}
	}
	for h, m := range f.hosts {
		if m == machine {
			return &cmdb.ExpectedFailureError{Desc: "Delete Machine", Text: "Machine " + machine + " is still in use by host " + h}
		}
	}
	delete(f.machines, machine)
	return nil
}

func (f *fakeCMDB) CreateHost(_ context.Context, hostname string, spec cmdb.HostSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateHost"); err != nil {
		return err
	}
	if _, ok := f.hosts[hostname]; ok {
		return &cmdb.ExpectedFailureError{Desc: "Host Create", Text: "Host " + hostname + " already exists."}
	}
	m := f.machines[spec.Machine]
	m.bound = hostname
	m.ip = spec.IP
	f.hosts[hostname] = spec.Machine
	f.specs[hostname] = spec
	return nil
}

func (f *fakeCMDB) DeleteHost(_ context.Context, hostname string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteHost"); err != nil {
		return err
	}
	machine, ok := f.hosts[hostname]
	if !ok {
		return &cmdb.ExpectedFailureError{Desc: "Host Delete", Text: "Host " + hostname + " not found."}
	}
	delete(f.hosts, hostname)
	if m := f.machines[machine]; m != nil {
		m.bound = ""
		m.ip = ""
	}
	return nil
}

func (f *fakeCMDB) AddInterface(_ context.Context, machine, iface, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("AddInterface"); err != nil {
		return err
	}
	f.machines[machine].iface = iface
	return nil
}

func (f *fakeCMDB) SetInterfaceBootable(_ context.Context, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record("SetInterfaceBootable")
}

func (f *fakeCMDB) DeleteInterface(_ context.Context, machine string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteInterface"); err != nil {
		return err
	}
	f.machines[machine].iface = ""
	return nil
}

func (f *fakeCMDB) DeleteAddress(_ context.Context, _, machine string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteAddress"); err != nil {
		return err
	}
	f.machines[machine].ip = ""
	return nil
}

func (f *fakeCMDB) SearchMachineBySerial(_ context.Context, serial string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("SearchMachineBySerial"); err != nil {
		return "", false, err
	}
	names := make([]string, 0, len(f.machines))
	for name := range f.machines {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if f.machines[name].serial == serial {
			return name, true, nil
		}
	}
	return "", false, nil
}

func (f *fakeCMDB) SearchHostByMachine(_ context.Context, machine string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("SearchHostByMachine"); err != nil {
		return "", false, err
	}
	m := f.machines[machine]
	return m.bound, m.bound != "", nil
}

func (f *fakeCMDB) MachineDetails(_ context.Context, machine string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("MachineDetails"); err != nil {
		return "", err
	}
	m := f.machines[machine]
	var b strings.Builder
	fmt.Fprintf(&b, "Machine: %s\n  Serial: %s\n", machine, m.serial)
	if m.iface != "" {
		fmt.Fprintf(&b, "  Interface: %s\n", m.iface)
	}
	if m.ip != "" {
		fmt.Fprintf(&b, "    Provides: %s [%s]\n", m.bound, m.ip)
	}
	return b.String(), nil
}

func (f *fakeCMDB) HostExists(_ context.Context, hostname string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("HostExists"); err != nil {
		return false, err
	}
	_, ok := f.hosts[hostname]
	return ok, nil
}

func (f *fakeCMDB) MakeHost(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("MakeHost"); err != nil {
		return err
	}
	return f.makeErr
}

// fakeInventory answers Exists from a script; the last answer repeats.
type fakeInventory struct {
	mu       sync.Mutex
	exists   []bool
	networks models.AddressBlock
	vm       map[string]string
	image    map[string]string
	updates  []map[string]string
}

func (f *fakeInventory) Exists(context.Context, models.VMIdentity) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.exists) == 0 {
		return false, nil
	}
	v := f.exists[0]
	if len(f.exists) > 1 {
		f.exists = f.exists[1:]
	}
	return v, nil
}

func (f *fakeInventory) GetNetworks(context.Context, models.VMIdentity) (models.AddressBlock, error) {
	return f.networks, nil
}

func (f *fakeInventory) GetMetadata(context.Context, models.VMIdentity) (map[string]string, error) {
	return f.vm, nil
}

func (f *fakeInventory) GetImageMetadata(context.Context, models.VMIdentity) (map[string]string, error) {
	return f.image, nil
}

func (f *fakeInventory) UpdateMetadata(_ context.Context, _ models.VMIdentity, md map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, md)
	return nil
}

type fakeDNS struct {
	reverse map[string]string
	forward map[string]string
}

func (d fakeDNS) LookupAddr(_ context.Context, addr string) ([]string, error) {
	if name, ok := d.reverse[addr]; ok {
		return []string{name + "."}, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: addr, IsNotFound: true}
}

func (d fakeDNS) LookupIP(_ context.Context, _, host string) ([]net.IP, error) {
	if ip, ok := d.forward[host]; ok {
		return []net.IP{net.ParseIP(ip)}, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

type durations struct {
	mu   sync.Mutex
	seen []string
}

func (d *durations) ObserveWorkflow(workflow string, _ time.Duration) {
	d.mu.Lock()
	d.seen = append(d.seen, workflow)
	d.mu.Unlock()
}
