package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfMapsEverySentinel(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{ErrKernel, KindKernel},
		{ErrConfig, KindConfig},
		{ErrTransport, KindTransport},
		{ErrProtocol, KindProtocol},
		{ErrSourceSink, KindSourceSink},
		{ErrTimeout, KindTimeout},
		{ErrCancellation, KindCancellation},
	}
	for _, c := range cases {
		if got := KindOf(c.err); got != c.want {
			t.Errorf("KindOf(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestKindOfUnwrapsWrappedErrors(t *testing.T) {
	wrapped := fmt.Errorf("reading chunk 3: %w", ErrSourceSink)
	if got := KindOf(wrapped); got != KindSourceSink {
		t.Fatalf("KindOf(wrapped) = %v, want KindSourceSink", got)
	}
}

func TestKindOfUnknownForUnrelatedError(t *testing.T) {
	if got := KindOf(errors.New("some other failure")); got != KindUnknown {
		t.Fatalf("KindOf(unrelated) = %v, want KindUnknown", got)
	}
}

func TestKindOfNilIsUnknown(t *testing.T) {
	if got := KindOf(nil); got != KindUnknown {
		t.Fatalf("KindOf(nil) = %v, want KindUnknown", got)
	}
}

func TestKindStringNames(t *testing.T) {
	if KindTransport.String() != "transport" {
		t.Fatalf("KindTransport.String() = %q, want %q", KindTransport.String(), "transport")
	}
	if Kind(99).String() != "unknown" {
		t.Fatalf("Kind(99).String() = %q, want %q", Kind(99).String(), "unknown")
	}
}
