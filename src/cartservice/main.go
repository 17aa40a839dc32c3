package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/norun9/microservices-demo-ambient/src/cartservice/cart"
	"github.com/norun9/microservices-demo-ambient/src/cartservice/cartstate"
	"github.com/norun9/microservices-demo-ambient/src/cartservice/cartsync"
	"github.com/norun9/microservices-demo-ambient/src/cartservice/config"
	"github.com/norun9/microservices-demo-ambient/src/cartservice/logging"
	"github.com/norun9/microservices-demo-ambient/src/cartservice/services"
	"github.com/norun9/microservices-demo-ambient/src/cartservice/telemetry"
)

func main() {
	app := &cli.App{
		Name:  "cartservice",
		Usage: "storefront cart synchronization service",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "env-file", Value: ".env", Usage: "optional dotenv file read before the environment"},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP API and the gRPC health endpoint",
				Action: serve,
			},
			cartCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("cartservice failed")
	}
}

func setup(c *cli.Context) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(c.String("env-file"))
	if err != nil {
		return nil, nil, err
	}
	return cfg, logging.New(cfg.LogLevel), nil
}

func newAdapter(cfg *config.Config, b *backend, log *logrus.Logger) *cartsync.Adapter {
	return cartsync.NewAdapter(b.store, log.WithField("component", "cartsync"),
		cartsync.WithSerializedMutations(cfg.SerializeMutations))
}

func serve(c *cli.Context) error {
	cfg, log, err := setup(c)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.OTelEnabled {
		log.Info("Initializing OpenTelemetry providers...")
		shutdown, err := telemetry.Init(ctx, cfg.ServiceName, cfg.OTelEndpoint, cfg.TraceExporter)
		if err != nil {
			return errors.Wrap(err, "failed to initialize telemetry")
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				log.WithError(err).Warn("Error shutting down telemetry")
			}
		}()
	}

	b, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.Close()
	log.Infof("Using %s cart store", cfg.Backend)

	verifier, err := b.verifier(ctx, cfg)
	if err != nil {
		return err
	}
	adapter := newAdapter(cfg, b, log)
	sessions := cartsync.NewSessions(adapter, log)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           services.NewCartService(sessions, verifier, log).Router(cfg.ServiceName),
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)
	healthpb.RegisterHealthServer(grpcServer, services.NewHealthCheckService(adapter, log))
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on :%s", cfg.GRPCPort)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("Cart HTTP API listening on :%s", cfg.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		log.Infof("gRPC health server listening on :%s", cfg.GRPCPort)
		return errors.Wrap(grpcServer.Serve(lis), "grpc server")
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Received shutdown signal, initiating graceful shutdown...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		grpcServer.GracefulStop()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func cartCommand() *cli.Command {
	userFlag := &cli.StringFlag{Name: "user", Aliases: []string{"u"}, Required: true, Usage: "user id owning the cart"}
	return &cli.Command{
		Name:  "cart",
		Usage: "inspect or change one user's remote cart",
		Subcommands: []*cli.Command{
			{
				Name:  "show",
				Usage: "print the cart with its totals",
				Flags: []cli.Flag{userFlag},
				Action: withSession(func(ctx context.Context, c *cli.Context, s *cartsync.Session) error {
					return nil
				}),
			},
			{
				Name:  "add",
				Usage: "add a product, merging with an entry of the same variant",
				Flags: []cli.Flag{
					userFlag,
					&cli.StringFlag{Name: "product", Required: true},
					&cli.StringFlag{Name: "name"},
					&cli.Int64Flag{Name: "price"},
					&cli.StringFlag{Name: "image"},
					&cli.StringFlag{Name: "size"},
					&cli.IntFlag{Name: "color"},
					&cli.IntFlag{Name: "quantity", Value: 1},
				},
				Action: withSession(func(ctx context.Context, c *cli.Context, s *cartsync.Session) error {
					p := cart.Product{
						ID:           c.String("product"),
						Name:         c.String("name"),
						Price:        c.Int64("price"),
						Image:        c.String("image"),
						SelectedSize: cart.Size(c.String("size")),
					}
					if c.IsSet("color") {
						color := c.Int("color")
						p.SelectedColor = &color
					}
					_, err := s.Add(ctx, p, c.Int("quantity"))
					return err
				}),
			},
			{
				Name:  "update",
				Usage: "set the quantity of an entry",
				Flags: []cli.Flag{
					userFlag,
					&cli.StringFlag{Name: "item", Required: true},
					&cli.IntFlag{Name: "quantity", Required: true},
				},
				Action: withSession(func(ctx context.Context, c *cli.Context, s *cartsync.Session) error {
					return s.Update(ctx, c.String("item"), cart.QuantityUpdate(c.Int("quantity")))
				}),
			},
			{
				Name:  "remove",
				Usage: "remove one entry",
				Flags: []cli.Flag{userFlag, &cli.StringFlag{Name: "item", Required: true}},
				Action: withSession(func(ctx context.Context, c *cli.Context, s *cartsync.Session) error {
					return s.Remove(ctx, c.String("item"))
				}),
			},
			{
				Name:  "clear",
				Usage: "delete every entry",
				Flags: []cli.Flag{userFlag},
				Action: withSession(func(ctx context.Context, c *cli.Context, s *cartsync.Session) error {
					return s.Clear(ctx)
				}),
			},
		},
	}
}

type cartOutput struct {
	cartstate.State
	ItemCount int   `json:"itemCount"`
	Total     int64 `json:"total"`
}

// withSession loads the user's cart, runs fn and prints the resulting state.
func withSession(fn func(ctx context.Context, c *cli.Context, s *cartsync.Session) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, log, err := setup(c)
		if err != nil {
			return err
		}
		// stdout carries the cart JSON
		log.Out = os.Stderr
		ctx := c.Context
		b, err := openBackend(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer b.Close()

		s := cartsync.NewSession(c.String("user"), cartstate.New(), newAdapter(cfg, b, log), log)
		if err := s.Start(ctx); err != nil {
			return err
		}
		if err := fn(ctx, c, s); err != nil {
			return err
		}

		st := s.Snapshot()
		enc := json.NewEncoder(c.App.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(cartOutput{State: st, ItemCount: st.ItemCount(), Total: st.Total()})
	}
}
