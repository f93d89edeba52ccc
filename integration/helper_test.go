//go:build integration
// +build integration

package integration_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/testcontainers/testcontainers-go/wait"

	stdsql "database/sql"

	"github.com/openkcm/sweep/client/amqp"
	"github.com/openkcm/sweep/store/sql"
)

// TestEnvironment holds all the test containers and clients.
type TestEnvironment struct {
	PostgresContainer testcontainers.Container
	RabbitMQContainer testcontainers.Container
	PostgresURL       string
	RabbitMQURL       string
	DB                *stdsql.DB
	Dialect           sql.Dialect
	Store             *sql.SQL
	AMQPClients       []*amqp.AMQP // Track all AMQP clients for cleanup
	mu                sync.Mutex   // Protect concurrent access to slices
}

// setupTestEnvironment creates all necessary containers for testing.
func setupTestEnvironment(t *testing.T, ctx context.Context) (*TestEnvironment, error) {
	t.Helper()

	env := &TestEnvironment{
		AMQPClients: make([]*amqp.AMQP, 0),
	}

	pgContainer, err := postgres.Run(ctx, "postgres:17-alpine",
		postgres.WithDatabase("sweep"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}
	env.PostgresContainer = pgContainer

	pgHost, err := pgContainer.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get postgres host: %w", err)
	}

	pgPort, err := pgContainer.MappedPort(ctx, "5432")
	if err != nil {
		return nil, fmt.Errorf("failed to get postgres port: %w", err)
	}

	env.PostgresURL = fmt.Sprintf("host=%s port=%s user=postgres password=postgres dbname=sweep sslmode=disable",
		pgHost, pgPort.Port())

	rabbitContainer, err := rabbitmq.Run(ctx, "rabbitmq:4-management",
		rabbitmq.WithAdminUsername("guest"),
		rabbitmq.WithAdminPassword("guest"),
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				wait.ForLog("Server startup complete").WithStartupTimeout(60*time.Second),
				wait.ForListeningPort("5672/tcp").WithStartupTimeout(60*time.Second),
			),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start rabbitmq container: %w", err)
	}
	env.RabbitMQContainer = rabbitContainer

	rabbitHost, err := rabbitContainer.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get rabbitmq host: %w", err)
	}

	rabbitPort, err := rabbitContainer.MappedPort(ctx, "5672")
	if err != nil {
		return nil, fmt.Errorf("failed to get rabbitmq port: %w", err)
	}

	env.RabbitMQURL = fmt.Sprintf("amqp://%s:%s/", rabbitHost, rabbitPort.Port())

	err = waitForRabbitMQReady(ctx, env.RabbitMQURL)
	if err != nil {
		return nil, fmt.Errorf("RabbitMQ not ready: %w", err)
	}

	db, dialect, err := sql.Open(ctx, "postgres", env.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	env.DB = db
	env.Dialect = dialect

	store, err := sql.New(ctx, db, sql.WithDialect(dialect))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	env.Store = store

	return env, nil
}

// Cleanup tears down all containers.
func (env *TestEnvironment) Cleanup(ctx context.Context) {
	env.mu.Lock()
	for _, client := range env.AMQPClients {
		_ = client.Close(ctx)
	}
	env.AMQPClients = nil
	env.mu.Unlock()

	if env.DB != nil {
		env.DB.Close()
	}

	if env.RabbitMQContainer != nil {
		env.RabbitMQContainer.Terminate(ctx)
	}
	if env.PostgresContainer != nil {
		env.PostgresContainer.Terminate(ctx)
	}
}

// createAMQPClient creates an AMQP client sending to target and receiving from source.
func createAMQPClient(ctx context.Context, env *TestEnvironment, rabbitURL, target, source string) (*amqp.AMQP, error) {
	connInfo := amqp.ConnectionInfo{
		URL:    rabbitURL,
		Target: target,
		Source: source,
	}

	client, err := amqp.NewClient(ctx, connInfo, amqp.WithBasicAuth("guest", "guest"))
	if err != nil {
		return nil, fmt.Errorf("failed to create AMQP client: %w", err)
	}

	env.mu.Lock()
	env.AMQPClients = append(env.AMQPClients, client)
	env.mu.Unlock()

	return client, nil
}

// runTestWithEnvironment runs a test function with proper environment setup and cleanup.
func runTestWithEnvironment(t *testing.T, testFunc func(t *testing.T, ctx context.Context, env *TestEnvironment)) {
	t.Helper()

	envCtx, envCancel := context.WithTimeout(t.Context(), 3*time.Minute)
	defer envCancel()

	env, err := setupTestEnvironment(t, envCtx)
	require.NoError(t, err)

	testCtx, testCancel := context.WithTimeout(envCtx, 2*time.Minute)

	defer func() {
		testCancel()
		env.Cleanup(envCtx)
	}()

	testFunc(t, testCtx, env)
}

// waitForRabbitMQReady waits for RabbitMQ to be ready to accept connections.
func waitForRabbitMQReady(ctx context.Context, rabbitURL string) error {
	timeout := 30 * time.Second
	startTime := time.Now()

	for time.Since(startTime) < timeout {
		readiness := &TestEnvironment{}
		if _, err := createAMQPClient(ctx, readiness, rabbitURL, "", ""); err == nil {
			readiness.Cleanup(ctx)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(1 * time.Second):
		}
	}

	return fmt.Errorf("RabbitMQ not ready within %v", timeout)
}
