// Package network turns the compute service's address groups into
// hostname annotated addresses using reverse DNS.
package network

import (
	"context"
	"fmt"
	"net"
	"strings"

	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/cmdb-reconciler/internal/models"
)

// Address groups searched on a server, in order of preference.
const (
	GroupInternal = "Internal"
	GroupServices = "Services"
)

// HostLookup is the DNS surface used by the resolver. *net.Resolver satisfies it.
type HostLookup interface {
	LookupAddr(ctx context.Context, addr string) ([]string, error)
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

// NetworkAddress is a VM address annotated with its reverse DNS name.
type NetworkAddress struct {
	Version  int    `json:"version"`
	Addr     string `json:"addr"`
	MACAddr  string `json:"mac_addr"`
	Hostname string `json:"hostname,omitempty"`
}

// AddressResolutionError wraps a failed reverse or forward lookup.
type AddressResolutionError struct {
	Op     string
	Target string
	Err    error
}

func (e *AddressResolutionError) Error() string {
	return fmt.Sprintf("%s lookup of %s failed: %v", e.Op, e.Target, e.Err)
}

func (e *AddressResolutionError) Unwrap() error {
	return e.Err
}

// Resolver turns raw compute addresses into hostname annotated addresses.
type Resolver struct {
	lookup HostLookup
	logger *zap.Logger
}

// NewResolver returns a Resolver; a nil lookup uses the system resolver.
func NewResolver(lookup HostLookup, logger *zap.Logger) *Resolver {
	if lookup == nil {
		lookup = net.DefaultResolver
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{lookup: lookup, logger: logger}
}

// Resolve picks the Internal group, falling back to Services. A block with
// neither yields an empty slice: the VM has no routable network yet.
func (r *Resolver) Resolve(ctx context.Context, block models.AddressBlock) ([]NetworkAddress, error) {
	raw, ok := block[GroupInternal]
	if !ok {
		raw, ok = block[GroupServices]
	}
	if !ok {
		r.logger.Warn("no internal or services network found")
		return []NetworkAddress{}, nil
	}

	out := make([]NetworkAddress, 0, len(raw))
	for _, a := range raw {
		hostname, err := r.Hostname(ctx, a.Addr)
		if err != nil {
			return nil, err
		}
		out = append(out, NetworkAddress{
			Version:  a.Version,
			Addr:     a.Addr,
			MACAddr:  a.MACAddr,
			Hostname: hostname,
		})
	}
	return out, nil
}

// Hostname returns the first reverse DNS name for ip.
func (r *Resolver) Hostname(ctx context.Context, ip string) (string, error) {
	names, err := r.lookup.LookupAddr(ctx, ip)
	if err != nil {
		r.logger.Info("no hostname found for ip", zap.String("ip", ip), zap.Error(err))
		return "", &AddressResolutionError{Op: "reverse", Target: ip, Err: err}
	}
	if len(names) == 0 {
		return "", &AddressResolutionError{Op: "reverse", Target: ip, Err: fmt.Errorf("no PTR record")}
	}
	return strings.TrimSuffix(names[0], "."), nil
}

// ForwardIPv4 returns the first IPv4 address hostname resolves to.
func (r *Resolver) ForwardIPv4(ctx context.Context, hostname string) (string, error) {
	ips, err := r.lookup.LookupIP(ctx, "ip4", hostname)
	if err != nil {
		return "", &AddressResolutionError{Op: "forward", Target: hostname, Err: err}
	}
	if len(ips) == 0 {
		return "", &AddressResolutionError{Op: "forward", Target: hostname, Err: fmt.Errorf("no A record")}
	}
	return ips[0].String(), nil
}

// Primary returns the first address that has a hostname.
func Primary(addrs []NetworkAddress) (NetworkAddress, bool) {
	for _, a := range addrs {
		if a.Hostname != "" {
			return a, true
		}
	}
	return NetworkAddress{}, false
}

// Hostnames returns every non-empty hostname, in order.
func Hostnames(addrs []NetworkAddress) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a.Hostname != "" {
			out = append(out, a.Hostname)
		}
	}
	return out
}
