package network

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/devghori1264/aerophoenix/cmdb-reconciler/internal/models"
)

type fakeDNS struct {
	ptr map[string]string
	a   map[string]string
}

func (f *fakeDNS) LookupAddr(_ context.Context, addr string) ([]string, error) {
	if name, ok := f.ptr[addr]; ok {
		return []string{name + "."}, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: addr, IsNotFound: true}
}

func (f *fakeDNS) LookupIP(_ context.Context, _ string, host string) ([]net.IP, error) {
	if ip, ok := f.a[host]; ok {
		return []net.IP{net.ParseIP(ip)}, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

func newResolver(t *testing.T) *Resolver {
	dns := &fakeDNS{
		ptr: map[string]string{
			"10.0.0.5":   "host-10-0-0-5.nubes.example",
			"172.16.0.9": "svc-9.nubes.example",
		},
		a: map[string]string{"host-10-0-0-5.nubes.example": "10.0.0.5"},
	}
	return NewResolver(dns, zaptest.NewLogger(t))
}

func TestResolvePrefersInternal(t *testing.T) {
	block := models.AddressBlock{
		GroupInternal: {{Version: 4, Addr: "10.0.0.5", MACAddr: "fa:16:3e:00:00:01"}},
		GroupServices: {{Version: 4, Addr: "172.16.0.9", MACAddr: "fa:16:3e:00:00:02"}},
	}
	got, err := newResolver(t).Resolve(context.Background(), block)
	require.NoError(t, err)
	assert.Equal(t, []NetworkAddress{{
		Version: 4, Addr: "10.0.0.5", MACAddr: "fa:16:3e:00:00:01", Hostname: "host-10-0-0-5.nubes.example",
	}}, got)
}

func TestResolveFallsBackToServices(t *testing.T) {
	block := models.AddressBlock{
		GroupServices: {{Version: 4, Addr: "172.16.0.9", MACAddr: "fa:16:3e:00:00:02"}},
	}
	got, err := newResolver(t).Resolve(context.Background(), block)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "svc-9.nubes.example", got[0].Hostname)
	assert.Equal(t, "fa:16:3e:00:00:02", got[0].MACAddr)
}

func TestResolveNoKnownGroup(t *testing.T) {
	block := models.AddressBlock{"public": {{Version: 4, Addr: "130.246.0.1"}}}
	got, err := newResolver(t).Resolve(context.Background(), block)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestResolveLookupFailurePropagates(t *testing.T) {
	block := models.AddressBlock{GroupInternal: {{Version: 4, Addr: "10.9.9.9"}}}
	_, err := newResolver(t).Resolve(context.Background(), block)

	var rerr *AddressResolutionError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "reverse", rerr.Op)
	assert.Equal(t, "10.9.9.9", rerr.Target)
}

func TestForwardIPv4(t *testing.T) {
	r := newResolver(t)
	ip, err := r.ForwardIPv4(context.Background(), "host-10-0-0-5.nubes.example")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", ip)

	_, err = r.ForwardIPv4(context.Background(), "missing.example")
	var rerr *AddressResolutionError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "forward", rerr.Op)
}

func TestPrimaryAndHostnames(t *testing.T) {
	addrs := []NetworkAddress{{Addr: "10.0.0.1"}, {Addr: "10.0.0.2", Hostname: "b"}, {Addr: "10.0.0.3", Hostname: "c"}}
	p, ok := Primary(addrs)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.2", p.Addr)
	assert.Equal(t, []string{"b", "c"}, Hostnames(addrs))

	_, ok = Primary(nil)
	assert.False(t, ok)
}
