package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/cmdb-reconciler/internal/consumer"
	"github.com/devghori1264/aerophoenix/cmdb-reconciler/internal/models"
	"github.com/devghori1264/aerophoenix/cmdb-reconciler/internal/storage"
)

// deadLetterBackend is what the deadletter subcommands operate on: the store
// itself, or a running reconciler that holds it.
type deadLetterBackend interface {
	List(ctx context.Context, limit int) ([]*models.DeadLetter, error)
	Get(ctx context.Context, id string) (*models.DeadLetter, error)
	Replay(ctx context.Context, id string) (string, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// deadLetters opens the store directly. When serve already holds it, the
// running process's HTTP API is used instead. An explicit server always
// goes over HTTP.
func (a *app) deadLetters(server string) (deadLetterBackend, error) {
	if server != "" {
		return newRemoteDeadLetters(server, a.logger), nil
	}
	store, err := a.openStore()
	if err == nil {
		return &localDeadLetters{app: a, store: store}, nil
	}
	if !errors.Is(err, storage.ErrLocked) {
		return nil, err
	}
	base := apiBaseURL(a.cfg.Server.HTTPAddr)
	if base == "" {
		return nil, fmt.Errorf("%w; stop serve or pass --server", err)
	}
	a.logger.Info("dead-letter store held by a running reconciler, using its HTTP API", zap.String("server", base))
	return newRemoteDeadLetters(base, a.logger), nil
}

// apiBaseURL turns a listen address into a URL a local client can reach.
func apiBaseURL(addr string) string {
	if addr == "" {
		return ""
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return ""
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

type localDeadLetters struct {
	app     *app
	store   *storage.BadgerStore
	handler consumer.Handler
}

func (l *localDeadLetters) List(ctx context.Context, limit int) ([]*models.DeadLetter, error) {
	return l.store.ListDeadLetters(ctx, limit)
}

func (l *localDeadLetters) Get(ctx context.Context, id string) (*models.DeadLetter, error) {
	return l.store.GetDeadLetter(ctx, id)
}

func (l *localDeadLetters) Delete(ctx context.Context, id string) error {
	return l.store.DeleteDeadLetter(ctx, id)
}

// Replay builds the workflows on first use so that list, show and purge work
// without CMDB or OpenStack settings.
func (l *localDeadLetters) Replay(ctx context.Context, id string) (string, error) {
	if l.handler == nil {
		d, krb, err := l.app.newDispatcher(ctx, nil)
		if err != nil {
			return "", err
		}
		l.app.checkCredentials(krb)
		l.handler = d
	}
	out, err := consumer.Replay(ctx, l.handler, l.store, id)
	return out.Result, err
}

func (l *localDeadLetters) Close() error {
	return l.store.Close()
}

type remoteDeadLetters struct {
	base   string
	client *retryablehttp.Client
}

func newRemoteDeadLetters(base string, logger *zap.Logger) *remoteDeadLetters {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.HTTPClient.Timeout = 5 * time.Minute
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = nil
	logger.Debug("using remote dead-letter API", zap.String("server", base))
	return &remoteDeadLetters{base: strings.TrimRight(base, "/"), client: rc}
}

func (r *remoteDeadLetters) List(ctx context.Context, limit int) ([]*models.DeadLetter, error) {
	var out struct {
		Items []*models.DeadLetter `json:"items"`
	}
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	if err := r.do(ctx, http.MethodGet, "/deadletters?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (r *remoteDeadLetters) Get(ctx context.Context, id string) (*models.DeadLetter, error) {
	var d models.DeadLetter
	if err := r.do(ctx, http.MethodGet, "/deadletters/"+url.PathEscape(id), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *remoteDeadLetters) Replay(ctx context.Context, id string) (string, error) {
	var out struct {
		Result string `json:"result"`
	}
	if err := r.do(ctx, http.MethodPost, "/deadletters/"+url.PathEscape(id)+"/replay", &out); err != nil {
		return "", err
	}
	return out.Result, nil
}

func (r *remoteDeadLetters) Delete(ctx context.Context, id string) error {
	return r.do(ctx, http.MethodDelete, "/deadletters/"+url.PathEscape(id), nil)
}

func (r *remoteDeadLetters) Close() error { return nil }

func (r *remoteDeadLetters) do(ctx context.Context, method, path string, out interface{}) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, r.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(body, &apiErr)
		if apiErr.Error == "" {
			apiErr.Error = http.StatusText(resp.StatusCode)
		}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%s: %w", apiErr.Error, storage.ErrNotFound)
		}
		return fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}
