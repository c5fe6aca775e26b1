package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/cmdb-reconciler/internal/api"
	"github.com/devghori1264/aerophoenix/cmdb-reconciler/internal/cmdb"
	"github.com/devghori1264/aerophoenix/cmdb-reconciler/internal/consumer"
	"github.com/devghori1264/aerophoenix/cmdb-reconciler/internal/inventory"
	"github.com/devghori1264/aerophoenix/cmdb-reconciler/internal/network"
	"github.com/devghori1264/aerophoenix/cmdb-reconciler/internal/reconcile"
	"github.com/devghori1264/aerophoenix/cmdb-reconciler/internal/storage"
)

// newCMDB builds the Kerberos-authenticated CMDB client. A nil metrics
// disables request counting.
func (a *app) newCMDB(metrics *api.Metrics) (*cmdb.Client, *cmdb.Kerberos, error) {
	if err := a.cfg.ValidateCMDB(); err != nil {
		return nil, nil, err
	}
	krb, err := cmdb.NewKerberos(a.cfg.Kerberos.Config, a.cfg.Kerberos.CCache)
	if err != nil {
		return nil, nil, err
	}
	opts := cmdb.Options{
		BaseURL:       a.cfg.CMDB.URL,
		MachinePrefix: a.cfg.CMDB.Prefix,
		MachineModel:  a.cfg.CMDB.Model,
		CABundle:      a.cfg.CMDB.CABundle,
		RetryMax:      a.cfg.CMDB.RetryMax,
		BackoffFactor: a.cfg.CMDB.BackoffFactor,
		BackoffMax:    a.cfg.CMDB.BackoffMax,
		Credentials:   krb,
		Authenticator: krb,
	}
	if metrics != nil {
		opts.Observer = metrics
	}
	client, err := cmdb.New(opts, a.logger.Named("cmdb"))
	if err != nil {
		return nil, nil, err
	}
	return client, krb, nil
}

func (a *app) newInventory(ctx context.Context) (*inventory.OpenStack, error) {
	if err := a.cfg.ValidateOpenStack(); err != nil {
		return nil, err
	}
	o := a.cfg.OpenStack
	return inventory.NewOpenStack(ctx, inventory.OpenStackOptions{
		AuthURL:       o.AuthURL,
		ComputeURL:    o.ComputeURL,
		Username:      o.Username,
		Password:      o.Password,
		ProjectName:   o.ProjectName,
		UserDomain:    o.UserDomain,
		ProjectDomain: o.ProjectDomain,
		Region:        o.Region,
	}, a.logger.Named("openstack"))
}

// newEngine wires the workflows against the live CMDB and OpenStack.
func (a *app) newEngine(ctx context.Context, metrics *api.Metrics) (*reconcile.Engine, *cmdb.Kerberos, error) {
	client, krb, err := a.newCMDB(metrics)
	if err != nil {
		return nil, nil, err
	}
	inv, err := a.newInventory(ctx)
	if err != nil {
		return nil, nil, err
	}
	var opts []reconcile.Option
	if metrics != nil {
		opts = append(opts, reconcile.WithDurationObserver(metrics))
	}
	engine, err := reconcile.New(client, inv, network.NewResolver(nil, a.logger.Named("dns")), a.logger.Named("reconcile"), opts...)
	if err != nil {
		return nil, nil, err
	}
	return engine, krb, nil
}

func (a *app) newDispatcher(ctx context.Context, metrics *api.Metrics) (*consumer.Dispatcher, *cmdb.Kerberos, error) {
	engine, krb, err := a.newEngine(ctx, metrics)
	if err != nil {
		return nil, nil, err
	}
	d, err := consumer.NewDispatcher(engine, a.logger.Named("dispatch"))
	if err != nil {
		return nil, nil, err
	}
	return d, krb, nil
}

func (a *app) openStore() (*storage.BadgerStore, error) {
	if err := a.cfg.ValidateStorage(); err != nil {
		return nil, err
	}
	store, err := storage.NewBadgerStore(a.cfg.Storage.Path, a.logger.Named("badger"))
	if err != nil {
		return nil, fmt.Errorf("failed to open dead-letter store: %w", err)
	}
	return store, nil
}

// checkCredentials logs whether a ticket is available. Requests are refused
// until one is, so a missing ticket at startup is not fatal.
func (a *app) checkCredentials(krb *cmdb.Kerberos) {
	if err := krb.Check(); err != nil {
		a.logger.Warn("no kerberos ticket yet; CMDB requests will fail until one is available", zap.Error(err))
		return
	}
	a.logger.Info("kerberos ticket found")
}
