package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"

	"github.com/norun9/microservices-demo-ambient/src/cartservice/telemetry"
)

// Remote store backends.
const (
	BackendMemory    = "memory"
	BackendRedis     = "redis"
	BackendFirebase  = "firebase"
	BackendFirestore = "firestore"
	BackendDynamoDB  = "dynamodb"
)

// Request identity modes.
const (
	AuthHeader   = "header"
	AuthFirebase = "firebase"
)

type Config struct {
	Backend  string `envconfig:"CART_BACKEND" default:"memory"`
	AuthMode string `envconfig:"AUTH_MODE" default:"header"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	HTTPPort        string        `envconfig:"PORT" default:"8080"`
	GRPCPort        string        `envconfig:"GRPC_PORT" default:"7070"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`

	// When false, concurrent mutations of one cart are not serialized.
	SerializeMutations bool `envconfig:"CART_SERIALIZE_MUTATIONS" default:"true"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	FirebaseDatabaseURL string `envconfig:"FIREBASE_DATABASE_URL"`
	GCPProjectID        string `envconfig:"GOOGLE_CLOUD_PROJECT"`
	CredentialsFile     string `envconfig:"GOOGLE_APPLICATION_CREDENTIALS"`

	DynamoTable    string `envconfig:"DYNAMODB_TABLE" default:"carts"`
	DynamoEndpoint string `envconfig:"DYNAMODB_ENDPOINT"`

	OTelEnabled  bool   `envconfig:"OTEL_ENABLED" default:"true"`
	OTelEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT" default:"localhost:4317"`
	// otlp or stdout
	TraceExporter string `envconfig:"OTEL_TRACES_EXPORTER" default:"otlp"`
	ServiceName  string `envconfig:"OTEL_SERVICE_NAME" default:"cartservice"`
}

// Load reads .env files (missing files are ignored) and then the environment.
func Load(envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return nil, errors.Wrapf(err, "load %s", f)
		}
	}

	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, errors.Wrap(err, "read environment")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks that the selected backend and auth mode have what they need.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendDynamoDB:
	case BackendRedis:
		if c.RedisAddr == "" {
			return errors.New("REDIS_ADDR is required for the redis backend")
		}
	case BackendFirebase:
		if c.FirebaseDatabaseURL == "" {
			return errors.New("FIREBASE_DATABASE_URL is required for the firebase backend")
		}
	case BackendFirestore:
		if c.GCPProjectID == "" {
			return errors.New("GOOGLE_CLOUD_PROJECT is required for the firestore backend")
		}
	default:
		return errors.Errorf("unknown CART_BACKEND %q", c.Backend)
	}

	switch c.AuthMode {
	case AuthHeader, AuthFirebase:
	default:
		return errors.Errorf("unknown AUTH_MODE %q", c.AuthMode)
	}

	if c.OTelEnabled {
		switch c.TraceExporter {
		case telemetry.ExporterOTLP, telemetry.ExporterStdout:
		default:
			return errors.Errorf("unknown OTEL_TRACES_EXPORTER %q", c.TraceExporter)
		}
	}
	return nil
}
