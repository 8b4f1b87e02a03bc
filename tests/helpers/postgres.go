package helpers

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/catface996/aiops-executor/internal/repository"
)

// EnvPostgresTests enables container-backed Postgres tests.
const EnvPostgresTests = "AIOPS_TEST_POSTGRES"

// NewTestPostgresStore starts a postgres:15 container and returns a migrated
// store. The test is skipped unless AIOPS_TEST_POSTGRES=1.
func NewTestPostgresStore(t *testing.T) *repository.PostgresStore {
	t.Helper()

	if err := godotenv.Load(); err != nil {
		t.Logf("no .env file loaded: %v", err)
	}
	if os.Getenv(EnvPostgresTests) != "1" {
		t.Skipf("set %s=1 to run Postgres tests", EnvPostgresTests)
	}

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "aiops",
			"POSTGRES_PASSWORD": "aiops",
			"POSTGRES_DB":       "aiops",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Errorf("failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatal(err)
	}

	dsn := fmt.Sprintf("postgres://aiops:aiops@%s:%s/aiops?sslmode=disable", host, port.Port())
	s, err := repository.NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("failed to create postgres store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}
