package testutil

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// MongoDBContainer wraps a disposable MongoDB instance for repository tests.
type MongoDBContainer struct {
	Container    testcontainers.Container
	URI          string
	DatabaseName string
}

// StartMongoContainer runs MongoDB as a single-node replica set; the
// repository's assignment path uses transactions, which a standalone server
// rejects.
func StartMongoContainer(ctx context.Context) (*MongoDBContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        "mongo:6.0",
		ExposedPorts: []string{"27017/tcp"},
		Cmd:          []string{"--replSet", "rs0", "--bind_ip_all"},
		WaitingFor: wait.ForAll(
			wait.ForLog("Waiting for connections"),
			wait.ForListeningPort("27017/tcp"),
		).WithDeadline(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start MongoDB container: %w", err)
	}

	code, _, err := container.Exec(ctx, []string{"mongosh", "--quiet", "--eval", "rs.initiate()"})
	if err != nil || code != 0 {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to initiate replica set (exit %d): %w", code, err)
	}

	// Give the single node a moment to elect itself primary.
	deadline := time.Now().Add(30 * time.Second)
	for {
		code, _, err := container.Exec(ctx, []string{"mongosh", "--quiet", "--eval", "if (!db.hello().isWritablePrimary) quit(1)"})
		if err == nil && code == 0 {
			break
		}
		if time.Now().After(deadline) {
			container.Terminate(ctx)
			return nil, fmt.Errorf("replica set did not elect a primary in time")
		}
		time.Sleep(500 * time.Millisecond)
	}

	host, err := container.Host(ctx)
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get MongoDB container host: %w", err)
	}

	port, err := container.MappedPort(ctx, "27017")
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get MongoDB container port: %w", err)
	}

	return &MongoDBContainer{
		Container:    container,
		URI:          fmt.Sprintf("mongodb://%s:%s/?directConnection=true", host, port.Port()),
		DatabaseName: "nyx_registry_test",
	}, nil
}

func (m *MongoDBContainer) Close(ctx context.Context) error {
	if m.Container != nil {
		return m.Container.Terminate(ctx)
	}
	return nil
}

// RedisContainer wraps a disposable Redis instance for cache tests.
type RedisContainer struct {
	Container testcontainers.Container
	Host      string
	Port      int
}

func StartRedisContainer(ctx context.Context) (*RedisContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        "redis:7.0",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForLog("Ready to accept connections"),
			wait.ForListeningPort("6379/tcp"),
		).WithDeadline(30 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start Redis container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get Redis container host: %w", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get Redis container port: %w", err)
	}

	return &RedisContainer{
		Container: container,
		Host:      host,
		Port:      port.Int(),
	}, nil
}

func (r *RedisContainer) Close(ctx context.Context) error {
	if r.Container != nil {
		return r.Container.Terminate(ctx)
	}
	return nil
}

// RabbitMQContainer wraps a disposable RabbitMQ instance for messaging tests.
type RabbitMQContainer struct {
	Container testcontainers.Container
	URI       string
}

func StartRabbitMQContainer(ctx context.Context) (*RabbitMQContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        "rabbitmq:3.12-management",
		ExposedPorts: []string{"5672/tcp"},
		Env: map[string]string{
			"RABBITMQ_DEFAULT_USER": "test",
			"RABBITMQ_DEFAULT_PASS": "test",
		},
		WaitingFor: wait.ForAll(
			wait.ForLog("Server startup complete"),
			wait.ForListeningPort("5672/tcp"),
		).WithDeadline(90 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start RabbitMQ container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get RabbitMQ container host: %w", err)
	}

	port, err := container.MappedPort(ctx, "5672")
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get RabbitMQ AMQP port: %w", err)
	}

	return &RabbitMQContainer{
		Container: container,
		URI:       fmt.Sprintf("amqp://test:test@%s:%s/", host, port.Port()),
	}, nil
}

func (r *RabbitMQContainer) Close(ctx context.Context) error {
	if r.Container != nil {
		return r.Container.Terminate(ctx)
	}
	return nil
}
