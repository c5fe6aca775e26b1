package consumer

import (
	"errors"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ErrNoHosts is returned when no broker host is configured.
var ErrNoHosts = errors.New("no rabbit hosts provided")

// LoginURLs builds one amqp:// URL per host in a comma-separated list,
// returned together with the same URLs with the password masked for logging.
func LoginURLs(hosts, username, password string, port int) ([]string, []string, error) {
	var urls, redacted []string
	for _, h := range strings.Split(hosts, ",") {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		u := url.URL{
			Scheme: "amqp",
			User:   url.UserPassword(username, password),
			Host:   net.JoinHostPort(h, strconv.Itoa(port)),
		}
		urls = append(urls, u.String())
		redacted = append(redacted, u.Redacted())
	}
	if len(urls) == 0 {
		return nil, nil, ErrNoHosts
	}
	return urls, redacted, nil
}
