package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/cmdb-reconciler/internal/api"
	"github.com/devghori1264/aerophoenix/cmdb-reconciler/internal/consumer"
	natsclient "github.com/devghori1264/aerophoenix/cmdb-reconciler/internal/nats"
	"github.com/devghori1264/aerophoenix/cmdb-reconciler/internal/server"
	"github.com/devghori1264/aerophoenix/cmdb-reconciler/internal/storage"
	"github.com/devghori1264/aerophoenix/cmdb-reconciler/internal/telemetry"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Consume nova notifications and reconcile the CMDB",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	if err := a.cfg.Validate(); err != nil {
		return err
	}
	log := a.logger
	log.Info("starting reconciler", zap.String("version", version), zap.String("on_failure", a.cfg.OnFailure))

	shutdownTracing, err := telemetry.Setup(a.cfg.Trace.Enabled, os.Stdout, version)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn("trace shutdown", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := api.NewMetrics(reg)

	dispatcher, krb, err := a.newDispatcher(ctx, metrics)
	if err != nil {
		return err
	}
	a.checkCredentials(krb)

	policy := consumer.FailurePolicy(a.cfg.OnFailure)
	var (
		store   *storage.BadgerStore
		options = []consumer.Option{consumer.WithRecorder(metrics)}
	)
	if policy == consumer.PolicyDeadLetter {
		store, err = a.openStore()
		if err != nil {
			return err
		}
		defer store.Close()
		options = append(options, consumer.WithDeadLetters(store))
	}

	if a.cfg.NATS.URL != "" {
		pub, err := natsclient.NewPublisher(a.cfg.NATS.URL, a.cfg.NATS.Subject, log.Named("nats"))
		if err != nil {
			return err
		}
		defer pub.Close()
		options = append(options, consumer.WithPublisher(pub))
	}

	urls, redacted, err := consumer.LoginURLs(a.cfg.Rabbit.Hosts, a.cfg.Rabbit.Username, a.cfg.Rabbit.Password, a.cfg.Rabbit.Port)
	if err != nil {
		return err
	}
	c, err := consumer.New(consumer.Options{
		URLs:        urls,
		Redacted:    redacted,
		Queue:       a.cfg.Rabbit.Queue,
		Exchange:    a.cfg.Rabbit.Exchange,
		Prefetch:    a.cfg.Rabbit.Prefetch,
		ConsumerTag: "cmdb-reconciler-" + uuid.NewString(),
		Policy:      policy,
	}, dispatcher, log.Named("consumer"), options...)
	if err != nil {
		return err
	}

	var (
		deadLetters storage.Store
		replay      api.ReplayFunc
	)
	if store != nil {
		deadLetters = store
		replay = func(ctx context.Context, id string) (string, error) {
			// finish the workflow even if the caller hangs up
			out, err := consumer.Replay(context.WithoutCancel(ctx), dispatcher, store, id)
			return out.Result, err
		}
	}
	metricsMux := http.NewServeMux()
	api.RegisterMetrics(metricsMux, reg)

	srv, err := server.New(server.Config{
		HTTPAddr:        a.cfg.Server.HTTPAddr,
		GRPCAddr:        a.cfg.Server.GRPCAddr,
		MetricsAddr:     a.cfg.Server.MetricsAddr,
		ShutdownTimeout: a.cfg.Server.ShutdownTimeout,
	}, c, api.NewHTTPHandler(deadLetters, replay, c.Connected, log), metricsMux, log.Named("server"))
	if err != nil {
		return err
	}
	return srv.Serve(ctx)
}
