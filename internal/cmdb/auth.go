package cmdb

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jcmturner/gokrb5/v8/client"
	krbconfig "github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/credentials"
	"github.com/jcmturner/gokrb5/v8/spnego"
)

// CredentialChecker is consulted before every CMDB request.
type CredentialChecker interface {
	Check() error
}

// Authenticator decorates each outgoing request, including retries.
type Authenticator interface {
	Authenticate(req *http.Request) error
}

// CheckerFunc adapts a function to CredentialChecker.
type CheckerFunc func() error

func (f CheckerFunc) Check() error { return f() }

// Kerberos checks for and authenticates with a shared ticket cache, typically
// kept fresh by a kinit sidecar.
type Kerberos struct {
	ccache string
	conf   *krbconfig.Config
	now    func() time.Time
	load   func(path string) (*credentials.CCache, error)
}

// NewKerberos loads krb5.conf from confPath. An empty ccachePath falls back to
// KRB5CCNAME and then the per-user default.
func NewKerberos(confPath, ccachePath string) (*Kerberos, error) {
	conf, err := krbconfig.Load(confPath)
	if err != nil {
		return nil, fmt.Errorf("load krb5 config %s: %w", confPath, err)
	}
	return &Kerberos{
		ccache: ccachePathOrDefault(ccachePath),
		conf:   conf,
		now:    time.Now,
		load:   credentials.LoadCCache,
	}, nil
}

func ccachePathOrDefault(p string) string {
	if p == "" {
		p = os.Getenv("KRB5CCNAME")
	}
	if p == "" {
		p = fmt.Sprintf("/tmp/krb5cc_%d", os.Getuid())
	}
	return strings.TrimPrefix(p, "FILE:")
}

// Check succeeds when the cache holds an unexpired ticket granting ticket.
func (k *Kerberos) Check() error {
	cc, err := k.load(k.ccache)
	if err != nil {
		return fmt.Errorf("load ticket cache %s: %w", k.ccache, err)
	}
	now := k.now()
	for _, c := range cc.GetEntries() {
		if strings.HasPrefix(c.Server.PrincipalName.PrincipalNameString(), "krbtgt/") && c.EndTime.After(now) {
			return nil
		}
	}
	return fmt.Errorf("no unexpired ticket in %s", k.ccache)
}

// Authenticate sets a SPNEGO Negotiate header. The cache is re-read for each
// request because the sidecar renews it underneath us.
func (k *Kerberos) Authenticate(req *http.Request) error {
	cc, err := k.load(k.ccache)
	if err != nil {
		return fmt.Errorf("load ticket cache %s: %w", k.ccache, err)
	}
	cl, err := client.NewFromCCache(cc, k.conf, client.DisablePAFXFAST(true))
	if err != nil {
		return fmt.Errorf("kerberos client: %w", err)
	}
	defer cl.Destroy()
	return spnego.SetSPNEGOHeader(cl, req, "")
}

// authTransport authenticates every round trip before handing it to base.
type authTransport struct {
	auth Authenticator
	base http.RoundTripper
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.auth == nil {
		return t.base.RoundTrip(req)
	}
	r := req.Clone(req.Context())
	if err := t.auth.Authenticate(r); err != nil {
		return nil, err
	}
	return t.base.RoundTrip(r)
}
