package replaytesting

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
)

func TestMockServer_SimpleQuery(t *testing.T) {
	steps := AcceptConnSteps()
	steps = append(steps, SimpleQuerySteps("SELECT 1", "SELECT 1")...)
	steps = append(steps, WaitForClose())

	server := NewMockServer(t, steps...)
	defer server.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve()
	}()

	ctx := context.Background()
	conn, err := pgx.Connect(ctx, "postgres://postgres@"+server.Addr()+"/postgres?sslmode=disable")
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	if _, err := conn.Exec(ctx, "SELECT 1"); err != nil {
		t.Fatalf("failed to execute query: %v", err)
	}

	conn.Close(ctx)
	if err := <-errCh; err != nil {
		t.Fatalf("server error: %v", err)
	}
}

func TestMockServer_AcceptConnection(t *testing.T) {
	steps := AcceptConnSteps()
	steps = append(steps, WaitForClose())

	server := NewMockServer(t, steps...)
	defer server.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve()
	}()

	ctx := context.Background()
	conn, err := pgx.Connect(ctx, "postgres://postgres@"+server.Addr()+"/postgres?sslmode=disable")
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	conn.Close(ctx)

	if err := <-errCh; err != nil {
		t.Fatalf("server error: %v", err)
	}
}
