package log

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestInitRejectsUnknownLevel(t *testing.T) {
	if err := Init(Config{Level: "verbose-ish"}); err == nil {
		t.Fatal("Init accepted an unknown level")
	}
}

func TestLoggerWritesFields(t *testing.T) {
	if err := Init(Config{Level: "debug", NoColor: true}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	var buf bytes.Buffer
	SetOutputForTest(&buf)

	GetLogger().WithField("shard", 3).Infof("flushed %d records", 12)

	out := buf.String()
	if !strings.Contains(out, "flushed 12 records") {
		t.Errorf("output missing message: %q", out)
	}
	if !strings.Contains(out, "shard=3") {
		t.Errorf("output missing field: %q", out)
	}
}

func TestMultiWriterKeepsWritingAfterFailure(t *testing.T) {
	var buf bytes.Buffer
	mw := NewMultiWriter().Add(failingWriter{}).Add(&buf)
	if _, err := mw.Write([]byte("line\n")); err == nil {
		t.Error("expected error from failing writer")
	}
	if buf.String() != "line\n" {
		t.Errorf("second writer did not receive data: %q", buf.String())
	}
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, errors.New("write failed")
}
