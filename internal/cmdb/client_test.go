package cmdb

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/devghori1264/aerophoenix/cmdb-reconciler/internal/metadata"
	"github.com/devghori1264/aerophoenix/cmdb-reconciler/internal/models"
)

type recorded struct {
	Method   string
	Path     string
	RawQuery string
}

type fakeCMDB struct {
	mu       sync.Mutex
	requests []recorded
	handler  func(w http.ResponseWriter, r *http.Request)
}

func (f *fakeCMDB) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.requests = append(f.requests, recorded{Method: r.Method, Path: r.URL.Path, RawQuery: r.URL.RawQuery})
	f.mu.Unlock()
	if f.handler != nil {
		f.handler(w, r)
		return
	}
	_, _ = w.Write([]byte("ok"))
}

func (f *fakeCMDB) calls() []recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recorded(nil), f.requests...)
}

type countingAuth struct {
	n atomic.Int32
}

func (a *countingAuth) Authenticate(req *http.Request) error {
	a.n.Add(1)
	req.Header.Set("Authorization", "Negotiate dGVzdA==")
	return nil
}

type statusObserver struct {
	mu    sync.Mutex
	codes []int
}

func (o *statusObserver) ObserveRequest(_ string, code int) {
	o.mu.Lock()
	o.codes = append(o.codes, code)
	o.mu.Unlock()
}

func newTestClient(t *testing.T, fake *fakeCMDB, mutate func(*Options)) *Client {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	opts := Options{
		BaseURL:       srv.URL,
		MachinePrefix: "vm-openstack-",
		RetryMax:      5,
		BackoffFactor: time.Millisecond,
		BackoffMax:    10 * time.Millisecond,
		Credentials:   CheckerFunc(func() error { return nil }),
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts, zaptest.NewLogger(t))
	require.NoError(t, err)
	return c
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Options{BaseURL: "https://aq", Credentials: CheckerFunc(func() error { return nil })}, nil)
	assert.ErrorContains(t, err, "logger is required")

	_, err = New(Options{Credentials: CheckerFunc(func() error { return nil })}, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "base url is required")

	_, err = New(Options{BaseURL: "https://aq"}, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "credential checker is required")
}

func TestMissingCredentialSendsNothing(t *testing.T) {
	fake := &fakeCMDB{}
	c := newTestClient(t, fake, func(o *Options) {
		o.Credentials = CheckerFunc(func() error { return errors.New("klist: no ticket") })
	})

	_, err := c.MachineDetails(context.Background(), "vm-openstack-1")
	require.ErrorIs(t, err, ErrMissingCredential)
	assert.Empty(t, fake.calls())
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(t *testing.T, out string, err error)
	}{
		{
			name:   "200 returns body",
			status: http.StatusOK,
			check: func(t *testing.T, out string, err error) {
				require.NoError(t, err)
				assert.Equal(t, "body", out)
			},
		},
		{
			name:   "400 is an expected failure",
			status: http.StatusBadRequest,
			check: func(t *testing.T, _ string, err error) {
				var ef *ExpectedFailureError
				require.True(t, errors.As(err, &ef))
				assert.Equal(t, "body", ef.Text)
				assert.True(t, IsExpectedFailure(err))
			},
		},
		{
			name:   "500 is a connection error",
			status: http.StatusInternalServerError,
			check: func(t *testing.T, _ string, err error) {
				var ce *ConnectionError
				require.True(t, errors.As(err, &ce))
				assert.Equal(t, http.StatusInternalServerError, ce.Status)
				assert.Equal(t, "body", ce.Body)
				assert.False(t, IsExpectedFailure(err))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeCMDB{handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("body"))
			}}
			c := newTestClient(t, fake, nil)
			out, err := c.MachineDetails(context.Background(), "m")
			tt.check(t, out, err)
			assert.Len(t, fake.calls(), 1)
		})
	}
}

func TestRetriesOnlyOn503(t *testing.T) {
	var n atomic.Int32
	fake := &fakeCMDB{handler: func(w http.ResponseWriter, _ *http.Request) {
		if n.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("vm-openstack-7\n"))
	}}
	auth := &countingAuth{}
	obs := &statusObserver{}
	c := newTestClient(t, fake, func(o *Options) {
		o.Authenticator = auth
		o.Observer = obs
	})

	name, found, err := c.SearchMachineBySerial(context.Background(), "i-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "vm-openstack-7", name)
	assert.Len(t, fake.calls(), 3)
	assert.Equal(t, int32(3), auth.n.Load(), "each attempt is authenticated")
	assert.Equal(t, []int{http.StatusOK}, obs.codes)
}

func TestRetryBudgetExhausted(t *testing.T) {
	fake := &fakeCMDB{handler: func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("busy"))
	}}
	c := newTestClient(t, fake, nil)

	err := c.DeleteMachine(context.Background(), "m")
	var ce *ConnectionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, http.StatusServiceUnavailable, ce.Status)
	assert.Len(t, fake.calls(), 6)
}

func TestNoRetryOnOtherStatus(t *testing.T) {
	fake := &fakeCMDB{handler: func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}}
	c := newTestClient(t, fake, nil)

	err := c.DeleteHost(context.Background(), "h")
	require.Error(t, err)
	assert.Len(t, fake.calls(), 1)
}

func TestExponentialBackoff(t *testing.T) {
	factor := 100 * time.Millisecond
	assert.Equal(t, 100*time.Millisecond, exponentialBackoff(factor, time.Minute, 0, nil))
	assert.Equal(t, 200*time.Millisecond, exponentialBackoff(factor, time.Minute, 1, nil))
	assert.Equal(t, 800*time.Millisecond, exponentialBackoff(factor, time.Minute, 3, nil))
	assert.Equal(t, time.Second, exponentialBackoff(factor, time.Second, 10, nil))
}

func TestRequestShapes(t *testing.T) {
	md := &metadata.BuildMetadata{
		Archetype: "cloud", Domain: "prod", Personality: "vm", OSName: "rocky", OSVersion: "8",
	}
	sandboxed := *md
	sandboxed.Sandbox = "alice/dev"

	tests := []struct {
		name string
		call func(c *Client) error
		want recorded
	}{
		{
			name: "create machine",
			call: func(c *Client) error {
				_, err := c.CreateMachine(context.Background(), MachineSpec{Serial: "i-1", VMHost: "hv1", CPUCount: 2, MemoryMB: 4096})
				return err
			},
			want: recorded{Method: http.MethodPut, Path: "/next_machine/vm-openstack-",
				RawQuery: "cpucount=2&memory=4096&model=vm-openstack&serial=i-1&vmhost=hv1"},
		},
		{
			name: "create host in domain",
			call: func(c *Client) error {
				return c.CreateHost(context.Background(), "h.example", HostSpec{Machine: "m1", IP: "10.0.0.1", Metadata: md})
			},
			want: recorded{Method: http.MethodPut, Path: "/host/h.example",
				RawQuery: "archetype=cloud&domain=prod&ip=10.0.0.1&machine=m1&osname=rocky&osversion=8&personality=vm"},
		},
		{
			name: "create host in sandbox",
			call: func(c *Client) error {
				return c.CreateHost(context.Background(), "h.example", HostSpec{Machine: "m1", IP: "10.0.0.1", Metadata: &sandboxed})
			},
			want: recorded{Method: http.MethodPut, Path: "/host/h.example",
				RawQuery: "archetype=cloud&ip=10.0.0.1&machine=m1&osname=rocky&osversion=8&personality=vm&sandbox=alice%2Fdev"},
		},
		{
			name: "add interface",
			call: func(c *Client) error { return c.AddInterface(context.Background(), "m1", "eth0", "fa:16:3e:00:00:01") },
			want: recorded{Method: http.MethodPut, Path: "/machine/m1/interface/eth0", RawQuery: "mac=fa%3A16%3A3e%3A00%3A00%3A01"},
		},
		{
			name: "set bootable",
			call: func(c *Client) error { return c.SetInterfaceBootable(context.Background(), "m1", "eth0") },
			want: recorded{Method: http.MethodPost, Path: "/machine/m1/interface/eth0", RawQuery: "boot&default_route"},
		},
		{
			name: "delete address",
			call: func(c *Client) error { return c.DeleteAddress(context.Background(), "10.0.0.1", "m1") },
			want: recorded{Method: http.MethodDelete, Path: "/interface_address", RawQuery: "interface=eth0&ip=10.0.0.1&machine=m1"},
		},
		{
			name: "delete interface",
			call: func(c *Client) error { return c.DeleteInterface(context.Background(), "m1") },
			want: recorded{Method: http.MethodPost, Path: "/interface/command/del", RawQuery: "interface=eth0&machine=m1"},
		},
		{
			name: "make",
			call: func(c *Client) error { return c.MakeHost(context.Background(), "h.example") },
			want: recorded{Method: http.MethodPost, Path: "/host/h.example/command/make"},
		},
		{
			name: "manage",
			call: func(c *Client) error { return c.ManageHost(context.Background(), "h.example", md) },
			want: recorded{Method: http.MethodPost, Path: "/host/h.example/command/manage", RawQuery: "domain=prod&force=true&hostname=h.example"},
		},
		{
			name: "find host",
			call: func(c *Client) error {
				_, _, err := c.SearchHostByMachine(context.Background(), "m1")
				return err
			},
			want: recorded{Method: http.MethodGet, Path: "/find/host", RawQuery: "machine=m1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeCMDB{}
			c := newTestClient(t, fake, nil)
			require.NoError(t, tt.call(c))
			assert.Equal(t, []recorded{tt.want}, fake.calls())
		})
	}
}

func TestMakeHostRejectsEmptyHostname(t *testing.T) {
	fake := &fakeCMDB{}
	c := newTestClient(t, fake, nil)

	err := c.MakeHost(context.Background(), "  ")
	var verr *models.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Empty(t, fake.calls())
}

func TestHostExists(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    bool
		wantErr bool
	}{
		{name: "found", status: http.StatusOK, body: "Primary Name: h.example", want: true},
		{name: "not found", status: http.StatusBadRequest, body: "Host h.example not found."},
		{name: "other 400", status: http.StatusBadRequest, body: "Invalid hostname", wantErr: true},
		{name: "other not found", status: http.StatusBadRequest, body: "DNS Domain example not found.", wantErr: true},
		{name: "different host not found", status: http.StatusBadRequest, body: "Host other.example not found.", wantErr: true},
		{name: "server error", status: http.StatusInternalServerError, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeCMDB{handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}}
			c := newTestClient(t, fake, nil)
			got, err := c.HostExists(context.Background(), "h.example")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSearchNotFound(t *testing.T) {
	fake := &fakeCMDB{handler: func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("  \n"))
	}}
	c := newTestClient(t, fake, nil)

	name, found, err := c.SearchMachineBySerial(context.Background(), "i-404")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, name)
}

func TestDetailMatchers(t *testing.T) {
	detail := "Machine: vm-openstack-1\n  Interface: eth0 fa:16:3e:00:00:01\n    Provides: h.example [10.0.0.5]"
	assert.True(t, HasAddress(detail, "10.0.0.5"))
	assert.False(t, HasAddress(detail, "10.0.0.6"))
	assert.False(t, HasAddress(detail, ""))
	assert.True(t, HasInterface(detail, "eth0"))
	assert.False(t, HasInterface(detail, "eth1"))
}
