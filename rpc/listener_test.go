package rpc

import (
	"strings"
	"testing"
)

func TestNewListener_NoAddrs(t *testing.T) {
	_, err := newListener("", "0")
	if err == nil {
		t.Fatal("newListener() want error for empty host, got nil")
	}
	if !strings.Contains(err.Error(), "getaddrinfo returns an empty list") {
		t.Errorf("newListener() error = %q, want to contain %q", err.Error(), "getaddrinfo returns an empty list")
	}
}

func TestNewListener_BlankCandidatesFiltered(t *testing.T) {
	_, err := newListener(" , ,  ", "0")
	if err == nil {
		t.Fatal("newListener() want error for all-blank host list, got nil")
	}
}

func TestNewListener_Succeeds(t *testing.T) {
	ln, err := newListener("127.0.0.1", "0")
	if err != nil {
		t.Fatalf("newListener() error: %v", err)
	}
	defer ln.Close()

	if ln.Addr() == nil {
		t.Error("newListener() Addr() = nil")
	}
}
