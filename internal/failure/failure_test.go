package failure

import (
	"errors"
	"fmt"
	"testing"
)

var errBoom = errors.New("boom")

func TestKindOfAndUnwrap(t *testing.T) {
	err := Remote("factory.provision", errBoom)
	if KindOf(err) != KindRemoteCall {
		t.Fatalf("unexpected kind: %q", KindOf(err))
	}
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected wrapped sentinel to match")
	}
	if err.Error() != "factory.provision: boom" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
}

func TestKindOfUnclassified(t *testing.T) {
	if KindOf(errBoom) != KindInternal {
		t.Fatalf("expected internal for bare error")
	}
	if New(KindDomain, "x", nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}

func TestIsFindsNestedKind(t *testing.T) {
	inner := Domain("registry.mint", errBoom)
	outer := Remote("market.create", fmt.Errorf("mint 3: %w", inner))
	if KindOf(outer) != KindRemoteCall {
		t.Fatalf("outer kind should win")
	}
	if !Is(outer, KindDomain) {
		t.Fatalf("expected nested domain kind")
	}
	if Is(outer, KindValidation) {
		t.Fatalf("did not expect validation kind")
	}
}
