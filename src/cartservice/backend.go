package main

import (
	"context"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"

	"github.com/norun9/microservices-demo-ambient/src/cartservice/auth"
	"github.com/norun9/microservices-demo-ambient/src/cartservice/cartstore"
	"github.com/norun9/microservices-demo-ambient/src/cartservice/config"
)

// backend owns the clients opened for the configured remote store.
type backend struct {
	store   cartstore.IRemoteStore
	fbApp   *firebase.App
	closers []func() error
}

func (b *backend) Close() {
	for _, c := range b.closers {
		_ = c()
	}
}

func googleOptions(cfg *config.Config) []option.ClientOption {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	return opts
}

func (b *backend) firebaseApp(ctx context.Context, cfg *config.Config) (*firebase.App, error) {
	if b.fbApp != nil {
		return b.fbApp, nil
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{
		DatabaseURL: cfg.FirebaseDatabaseURL,
		ProjectID:   cfg.GCPProjectID,
	}, googleOptions(cfg)...)
	if err != nil {
		return nil, errors.Wrap(err, "firebase.NewApp")
	}
	b.fbApp = app
	return app, nil
}

// openBackend creates and initializes the remote store selected by CART_BACKEND.
func openBackend(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*backend, error) {
	b := &backend{}
	entry := log.WithField("backend", cfg.Backend)

	switch cfg.Backend {
	case config.BackendMemory:
		b.store = cartstore.NewLocalCartStore(entry)

	case config.BackendRedis:
		s, err := cartstore.NewRedisCartStore(cfg.RedisAddr, entry)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, s.Close)
		b.store = s

	case config.BackendFirebase:
		app, err := b.firebaseApp(ctx, cfg)
		if err != nil {
			return nil, err
		}
		client, err := app.Database(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "firebase database client")
		}
		b.store = cartstore.NewFirebaseCartStore(client, entry)

	case config.BackendFirestore:
		client, err := firestore.NewClient(ctx, cfg.GCPProjectID, googleOptions(cfg)...)
		if err != nil {
			return nil, errors.Wrapf(err, "firestore.NewClient (project=%s)", cfg.GCPProjectID)
		}
		b.closers = append(b.closers, client.Close)
		b.store = cartstore.NewFirestoreCartStore(client, entry)

	case config.BackendDynamoDB:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load aws config")
		}
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if cfg.DynamoEndpoint != "" {
				o.BaseEndpoint = aws.String(cfg.DynamoEndpoint)
			}
		})
		b.store = cartstore.NewDynamoCartStore(client, cfg.DynamoTable, entry)

	default:
		return nil, errors.Errorf("unknown backend %q", cfg.Backend)
	}

	if err := b.store.Initialize(ctx); err != nil {
		b.Close()
		return nil, errors.Wrapf(err, "initialize %s store", cfg.Backend)
	}
	return b, nil
}

func (b *backend) verifier(ctx context.Context, cfg *config.Config) (auth.Verifier, error) {
	if cfg.AuthMode != config.AuthFirebase {
		return auth.HeaderVerifier{}, nil
	}
	app, err := b.firebaseApp(ctx, cfg)
	if err != nil {
		return nil, err
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "firebase auth client")
	}
	return auth.NewFirebaseVerifier(client), nil
}
