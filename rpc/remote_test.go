package rpc

import (
	"context"
	"errors"
	"testing"
)

type divideByZeroError struct{}

func (divideByZeroError) Error() string       { return "division by zero" }
func (divideByZeroError) RemoteClass() string { return "arith:DivideByZero" }

type divideRequest struct {
	A int `json:"a"`
	B int `json:"b"`
}

func TestRemoteMethod_ApplicationErrorClassification(t *testing.T) {
	srv := NewEndpoint("127.0.0.1", "0", "secret", "Calculator")
	_ = NewRemoteMethod(srv, "divide", func(_ context.Context, req divideRequest) (int, error) {
		if req.B == 0 {
			return 0, divideByZeroError{}
		}
		return req.A / req.B, nil
	})

	listenOnFreePort(t, srv)

	client := NewEndpoint(srv.Host, srv.Port, "secret", "Calculator")
	clientDivide := NewRemoteMethod[divideRequest, int](client, "divide", nil)
	defer client.Close()

	_, err := clientDivide.Call(context.Background(), divideRequest{A: 1, B: 0})
	if err == nil {
		t.Fatal("Call() want error for divide by zero, got nil")
	}
	var remoteErr *RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("Call() error = %v (%T), want *RemoteError", err, err)
	}
	if remoteErr.Class != "arith:DivideByZero" {
		t.Errorf("Call() error class = %q, want %q", remoteErr.Class, "arith:DivideByZero")
	}
}

func TestClassifyError_PlainErrorUsesGoTypeShape(t *testing.T) {
	class, message := classifyError(errors.New("boom"))
	if message != "boom" {
		t.Errorf("classifyError() message = %q, want %q", message, "boom")
	}
	// errors.New returns *errors.errorString: package path "errors", type
	// name "errorString". No remoteClassifier or AttributeError applies.
	if class != "errors:errorString" {
		t.Errorf("classifyError() class = %q, want %q", class, "errors:errorString")
	}
}

func TestResolveException_RegisteredConstructor(t *testing.T) {
	e := NewEndpoint("127.0.0.1", "0", "secret", "Service")
	e.RegisterException("arith:DivideByZero", func(msg string) error {
		return errors.New("reconstructed: " + msg)
	})

	got := e.resolveException("arith:DivideByZero", "division by zero")
	if got.Error() != "reconstructed: division by zero" {
		t.Errorf("resolveException() = %q, want %q", got.Error(), "reconstructed: division by zero")
	}
}

func TestResolveException_UnregisteredFallsBackToRemoteError(t *testing.T) {
	e := NewEndpoint("127.0.0.1", "0", "secret", "Service")

	got := e.resolveException("some.module:SomeError", "oops")
	var remoteErr *RemoteError
	if !errors.As(got, &remoteErr) {
		t.Fatalf("resolveException() = %v (%T), want *RemoteError", got, got)
	}
	if remoteErr.Class != "some.module:SomeError" || remoteErr.Message != "oops" {
		t.Errorf("resolveException() = %+v, want Class=some.module:SomeError Message=oops", remoteErr)
	}
}
