// Package replaytesting provides test utilities for pgreplay using pgmock.
// It lets pkg/replay's connection and protocol handling be exercised against
// a scripted wire-protocol server without a live Postgres instance.
package replaytesting

import (
	"fmt"
	"net"
	"testing"

	"github.com/jackc/pgmock"
	"github.com/jackc/pgproto3/v2"
)

// stepFunc adapts a plain function to the pgmock.Step interface.
type stepFunc func(*pgproto3.Backend) error

func (f stepFunc) Step(backend *pgproto3.Backend) error {
	return f(backend)
}

// MockServer wraps pgmock.Script to provide a convenient scripted Postgres backend.
type MockServer struct {
	Script   *pgmock.Script
	Listener net.Listener
	t        *testing.T
}

// NewMockServer creates a new mock PostgreSQL server for testing.
func NewMockServer(t *testing.T, steps ...pgmock.Step) *MockServer {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}

	return &MockServer{
		Script: &pgmock.Script{
			Steps: steps,
		},
		Listener: listener,
		t:        t,
	}
}

// Addr returns the address the mock server is listening on.
func (m *MockServer) Addr() string {
	return m.Listener.Addr().String()
}

// Serve accepts a single connection and runs the mock script.
// This should be called in a goroutine.
func (m *MockServer) Serve() error {
	conn, err := m.Listener.Accept()
	if err != nil {
		return err
	}
	defer conn.Close()

	backend := pgproto3.NewBackend(pgproto3.NewChunkReader(conn), conn)
	return m.Script.Run(backend)
}

// Close closes the listener.
func (m *MockServer) Close() error {
	return m.Listener.Close()
}

// AcceptConnSteps returns steps for accepting an unauthenticated connection,
// covering the startup message exchange a replay target connection performs.
func AcceptConnSteps() []pgmock.Step {
	return pgmock.AcceptUnauthenticatedConnRequestSteps()
}

// ExpectQuery returns a step that expects a simple query message.
func ExpectQuery(query string) pgmock.Step {
	return pgmock.ExpectMessage(&pgproto3.Query{String: query})
}

// ExpectParse returns a step that expects a Parse message for a named
// prepared statement, as issued by the worker's Prepare handling. Only Name
// and Query are compared: ParameterOIDs is left unchecked since the client
// and the wire decoder may each represent "no parameters" as a nil or an
// empty slice, and comparing the full message would fail spuriously on that
// difference alone.
func ExpectParse(name, query string) pgmock.Step {
	return stepFunc(func(backend *pgproto3.Backend) error {
		msg, err := backend.Receive()
		if err != nil {
			return err
		}
		parse, ok := msg.(*pgproto3.Parse)
		if !ok {
			return fmt.Errorf("expected Parse, got %T", msg)
		}
		if parse.Name != name || parse.Query != query {
			return fmt.Errorf("expected Parse{Name: %q, Query: %q}, got Parse{Name: %q, Query: %q}",
				name, query, parse.Name, parse.Query)
		}
		return nil
	})
}

// ExpectDescribe returns a step that expects a Describe message for a
// prepared statement.
func ExpectDescribe(name string) pgmock.Step {
	return pgmock.ExpectMessage(&pgproto3.Describe{ObjectType: 'S', Name: name})
}

// ExpectBind returns a step that expects a Bind message against the given
// prepared statement name, as issued by the worker's Execute handling. Only
// the portal and statement names are compared, for the same reason
// ExpectParse avoids comparing the raw parameter/format-code slices.
func ExpectBind(portal, statement string) pgmock.Step {
	return stepFunc(func(backend *pgproto3.Backend) error {
		msg, err := backend.Receive()
		if err != nil {
			return err
		}
		bind, ok := msg.(*pgproto3.Bind)
		if !ok {
			return fmt.Errorf("expected Bind, got %T", msg)
		}
		if bind.DestinationPortal != portal || bind.PreparedStatement != statement {
			return fmt.Errorf("expected Bind{DestinationPortal: %q, PreparedStatement: %q}, got Bind{DestinationPortal: %q, PreparedStatement: %q}",
				portal, statement, bind.DestinationPortal, bind.PreparedStatement)
		}
		return nil
	})
}

// ExpectExecute returns a step that expects an Execute message for a portal.
func ExpectExecute(portal string) pgmock.Step {
	return pgmock.ExpectMessage(&pgproto3.Execute{Portal: portal})
}

// ExpectSync returns a step that expects a Sync message closing an
// extended-protocol round trip.
func ExpectSync() pgmock.Step {
	return pgmock.ExpectMessage(&pgproto3.Sync{})
}

// ExpectClose returns a step that expects a Close message deallocating a
// prepared statement, as issued by the worker's Unprepare handling.
func ExpectClose(name string) pgmock.Step {
	return pgmock.ExpectMessage(&pgproto3.Close{ObjectType: 'S', Name: name})
}

// SendParseComplete returns a step that acknowledges a Parse message.
func SendParseComplete() pgmock.Step {
	return pgmock.SendMessage(&pgproto3.ParseComplete{})
}

// SendBindComplete returns a step that acknowledges a Bind message.
func SendBindComplete() pgmock.Step {
	return pgmock.SendMessage(&pgproto3.BindComplete{})
}

// SendCloseComplete returns a step that acknowledges a Close message.
func SendCloseComplete() pgmock.Step {
	return pgmock.SendMessage(&pgproto3.CloseComplete{})
}

// SendParameterDescription returns a step that sends a parameter description
// with no parameters, for statements that take none.
func SendParameterDescription() pgmock.Step {
	return pgmock.SendMessage(&pgproto3.ParameterDescription{})
}

// SendNoData returns a step that sends NoData in response to Describe, for
// statements that do not return rows.
func SendNoData() pgmock.Step {
	return pgmock.SendMessage(&pgproto3.NoData{})
}

// SendRowDescription returns a step that sends column metadata.
func SendRowDescription(fields []pgproto3.FieldDescription) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.RowDescription{Fields: fields})
}

// SendDataRow returns a step that sends a row of data.
func SendDataRow(values [][]byte) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.DataRow{Values: values})
}

// SendCommandComplete returns a step that sends command completion.
func SendCommandComplete(tag string) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.CommandComplete{CommandTag: []byte(tag)})
}

// SendReadyForQuery returns a step that sends ready for query status.
// status should be 'I' (idle), 'T' (in transaction), or 'E' (error).
func SendReadyForQuery(status byte) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.ReadyForQuery{TxStatus: status})
}

// SendError returns a step that sends an error response.
func SendError(severity, code, message string) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.ErrorResponse{
		Severity: severity,
		Code:     code,
		Message:  message,
	})
}

// WaitForClose returns a step that waits for connection close.
func WaitForClose() pgmock.Step {
	return pgmock.WaitForClose()
}

// SimpleQuerySteps returns a common pattern: expect query, return result, ready for query.
func SimpleQuerySteps(query string, tag string) []pgmock.Step {
	return []pgmock.Step{
		ExpectQuery(query),
		SendCommandComplete(tag),
		SendReadyForQuery('I'),
	}
}

// SimpleSelectSteps returns steps for a simple SELECT query with results.
func SimpleSelectSteps(query string, fields []pgproto3.FieldDescription, rows [][]byte, tag string) []pgmock.Step {
	steps := []pgmock.Step{
		ExpectQuery(query),
		SendRowDescription(fields),
	}
	if len(rows) > 0 {
		steps = append(steps, SendDataRow(rows))
	}
	steps = append(steps,
		SendCommandComplete(tag),
		SendReadyForQuery('I'),
	)
	return steps
}
