package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/Yulian302/lfusys-services-routes/config"
	"github.com/Yulian302/lfusys-services-routes/health"
	logger "github.com/Yulian302/lfusys-services-routes/logging"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const serviceName = "routes"

// App owns every long lived handle: clients are built once here, passed
// down explicitly and closed in Shutdown.
type App struct {
	HTTPServer   *http.Server
	GrpcServer   *grpc.Server
	HealthServer *grpchealth.Server

	DynamoDB *dynamodb.Client
	S3       *s3.Client
	Redis    *redis.Client
	Sqs      *sqs.Client

	Config    config.Config
	AwsConfig aws.Config

	Services       *Services
	TracerProvider *trace.TracerProvider
	Logger         logger.Logger
}

func SetupApp(ctx context.Context, args []string) (*App, error) {
	cfg, err := config.LoadConfig(args)
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	appLogger := logger.NewSlogLogger(logger.CreateAppLogger(cfg.Env))

	rdb, err := initRedis(*cfg.RedisConfig)
	if err != nil {
		return nil, err
	}

	app := &App{
		Redis:  rdb,
		Config: cfg,
		Logger: appLogger,
	}

	if cfg.DocumentsConfig.Backend == config.BackendS3 || cfg.ServiceConfig.CompletionsQueueURL != "" {
		awsCfg, err := initAWS(ctx, *cfg.AWSConfig)
		if err != nil {
			rdb.Close()
			return nil, err
		}
		app.AwsConfig = awsCfg
		app.DynamoDB = initDynamo(awsCfg, cfg.AWSConfig.Endpoint)
		app.S3 = initS3(awsCfg, cfg.AWSConfig.Endpoint)
		app.Sqs = initSqs(awsCfg, cfg.AWSConfig.Endpoint)
	}

	if app.Config.Tracing {
		tp, err := initTracer(ctx, serviceName, cfg.TracingAddr)
		if err != nil {
			rdb.Close()
			return nil, fmt.Errorf("failed to start tracing: %w", err)
		}
		appLogger.Info("tracing enabled", "addr", cfg.TracingAddr)

		app.TracerProvider = tp
	}

	app.Services, err = BuildServices(app)
	if err != nil {
		app.Shutdown(context.Background())
		return nil, err
	}

	return app, nil
}

// Run serves HTTP and gRPC health until ctx is done or a server fails.
func (a *App) Run(ctx context.Context) error {
	a.GrpcServer = grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)
	a.createHealthServer(ctx)

	a.HTTPServer = &http.Server{
		Addr:              a.Config.ServiceConfig.HTTPAddr,
		Handler:           otelhttp.NewHandler(a.Services.Handler.Router(), serviceName),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
	}

	grpcListener, err := net.Listen("tcp", a.Config.ServiceConfig.HealthGRPCAddr)
	if err != nil {
		return err
	}

	a.Services.Completions.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info("grpc health server started", "addr", a.Config.ServiceConfig.HealthGRPCAddr)
		return a.GrpcServer.Serve(grpcListener)
	})
	g.Go(func() error {
		a.Logger.Info("http server started", "addr", a.HTTPServer.Addr)
		if err := a.HTTPServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (a *App) createHealthServer(ctx context.Context) {
	a.HealthServer = grpchealth.NewServer()

	// start pessimistic
	a.HealthServer.SetServingStatus(
		"",
		healthpb.HealthCheckResponse_NOT_SERVING,
	)
	healthpb.RegisterHealthServer(a.GrpcServer, a.HealthServer)

	checks := a.Services.ReadinessChecks()

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			a.HealthServer.SetServingStatus("", a.servingStatus(ctx, checks))

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (a *App) servingStatus(ctx context.Context, checks []health.ReadinessCheck) healthpb.HealthCheckResponse_ServingStatus {
	for _, c := range checks {
		cctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		err := c.IsReady(cctx)
		cancel()

		if err != nil {
			a.Logger.Warn("readiness check failed", "check", c.Name(), "error", err)
			return healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	return healthpb.HealthCheckResponse_SERVING
}

func initAWS(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	if err := cfg.Validate(); err != nil {
		return aws.Config{}, err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(
		ctx,
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return awsCfg, nil
}

func initDynamo(cfg aws.Config, endpoint string) *dynamodb.Client {
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

func initS3(cfg aws.Config, endpoint string) *s3.Client {
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
}

func initSqs(cfg aws.Config, endpoint string) *sqs.Client {
	return sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

func initRedis(cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	// bounded reconnects with backoff; individual commands are not retried here
	opts.MaxRetries = 3
	opts.MinRetryBackoff = 100 * time.Millisecond
	opts.MaxRetryBackoff = time.Second
	opts.DialTimeout = 1500 * time.Millisecond
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	return redis.NewClient(opts), nil
}

func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.Info("starting graceful shutdown")

	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error("http server shutdown error", "error", err)
		}
	}

	if a.GrpcServer != nil {
		done := make(chan struct{})
		go func() {
			a.GrpcServer.GracefulStop()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			a.GrpcServer.Stop() // force
		}
	}

	if a.Services != nil {
		if err := a.Services.Shutdown(ctx); err != nil {
			a.Logger.Error("services shutdown error", "error", err)
		}
	}

	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Error("redis close error", "error", err)
		}
	}

	if a.TracerProvider != nil {
		if err := a.TracerProvider.Shutdown(ctx); err != nil {
			a.Logger.Error("tracer shutdown error", "error", err)
		}
	}

	a.Logger.Info("graceful shutdown complete")
	return nil
}
