package observability

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func TestInitTracerDisabled(t *testing.T) {
	shutdown, err := InitTracer(TracerOptions{})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitTracerStdoutExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := InitTracer(TracerOptions{Enabled: true, Exporter: "stdout", Service: "intakeline-test", Writer: &buf})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	_, span := Start(context.Background(), "engine.Test", "r1")
	End(span, errors.New("boom"))
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "engine.Test") || !strings.Contains(out, "intake.request_id") {
		t.Fatalf("span not exported: %s", out)
	}
}
