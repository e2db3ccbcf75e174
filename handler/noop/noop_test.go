package noop

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tonglil/buflogr"
)

func TestHandle(t *testing.T) {
	var buf bytes.Buffer
	h := &Handler{Log: buflogr.NewWithBuffer(&buf)}
	h.Handle(nil, nil, nil)
	want := "INFO no handler specified. please specify a handler\n"
	if diff := cmp.Diff(buf.String(), want); diff != "" {
		t.Fatal(diff)
	}
}
