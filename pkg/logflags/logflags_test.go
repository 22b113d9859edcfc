package logflags

import (
	"testing"
)

func TestSetupWithoutLog(t *testing.T) {
	defer resetFlags()
	if err := Setup(false, ""); err != nil {
		t.Fatalf("expected no error; got %v", err)
	}
	if Host() || Injector() || Trampoline() || Flush() {
		t.Fatalf("expected all component flags to be off")
	}
}

func TestSetupOutputWithoutLog(t *testing.T) {
	defer resetFlags()
	if err := Setup(false, "injector"); err == nil {
		t.Fatalf("expected error for --log-output without --log")
	}
}

func TestSetupDefaultsToHost(t *testing.T) {
	defer resetFlags()
	if err := Setup(true, ""); err != nil {
		t.Fatalf("expected no error; got %v", err)
	}
	if !Host() {
		t.Fatalf("expected host logging to be enabled by default")
	}
	if Injector() {
		t.Fatalf("expected injector logging to stay disabled")
	}
}

func TestSetupComponentList(t *testing.T) {
	defer resetFlags()
	if err := Setup(true, "injector,flush"); err != nil {
		t.Fatalf("expected no error; got %v", err)
	}
	if !Injector() || !Flush() {
		t.Fatalf("expected injector and flush logging to be enabled")
	}
	if Host() || Trampoline() {
		t.Fatalf("expected host and trampoline logging to stay disabled")
	}
}

func resetFlags() {
	host = false
	injector = false
	trampoline = false
	flush = false
}
