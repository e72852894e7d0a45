package kern

import (
	"errors"
	"testing"
)

func TestNewBuiltInKernels(t *testing.T) {
	resetRegistryForTests()
	t.Cleanup(resetRegistryForTests)

	for _, name := range []string{"squared_exp", "dot_product", "polynomial"} {
		k, err := New(name, nil)
		if err != nil {
			t.Fatalf("new %s: %v", name, err)
		}
		if k.Name() != name {
			t.Fatalf("unexpected kernel name: got=%s want=%s", k.Name(), name)
		}
	}
}

func TestNewValidatesParams(t *testing.T) {
	resetRegistryForTests()
	t.Cleanup(resetRegistryForTests)

	if _, err := New("squared_exp", Params{"length_scale": 0}); !errors.Is(err, ErrKernelParams) {
		t.Fatalf("expected ErrKernelParams, got: %v", err)
	}
	if _, err := New("polynomial", Params{"degree": 1.5}); !errors.Is(err, ErrKernelParams) {
		t.Fatalf("expected ErrKernelParams, got: %v", err)
	}
	if _, err := New("missing", nil); !errors.Is(err, ErrKernelNotFound) {
		t.Fatalf("expected ErrKernelNotFound, got: %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	resetRegistryForTests()
	t.Cleanup(resetRegistryForTests)

	if err := Register("", func(Params) (Function, error) { return DotProduct{}, nil }); err == nil {
		t.Fatal("expected empty name error")
	}
	if err := Register("nil", nil); err == nil {
		t.Fatal("expected nil factory error")
	}
	if err := RegisterWithSpec(Spec{
		Name:          "bad-version",
		Factory:       func(Params) (Function, error) { return DotProduct{}, nil },
		SchemaVersion: 99,
		CodecVersion:  1,
	}); !errors.Is(err, ErrKernelVersion) {
		t.Fatalf("expected ErrKernelVersion, got: %v", err)
	}
	if err := Register("dot_product", func(Params) (Function, error) { return DotProduct{}, nil }); !errors.Is(err, ErrKernelExists) {
		t.Fatalf("expected ErrKernelExists, got: %v", err)
	}
}

func TestListSorted(t *testing.T) {
	resetRegistryForTests()
	t.Cleanup(resetRegistryForTests)

	names := List()
	want := []string{"dot_product", "polynomial", "squared_exp"}
	if len(names) != len(want) {
		t.Fatalf("unexpected kernel list: %+v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected sorted kernel list, got: %+v", names)
		}
	}
}

func TestNewProduct(t *testing.T) {
	resetRegistryForTests()
	t.Cleanup(resetRegistryForTests)

	k, err := NewProduct([]string{"squared_exp", "dot_product"}, Params{"length_scale": 0.7})
	if err != nil {
		t.Fatalf("new product: %v", err)
	}
	if k.Name() != "product(squared_exp,dot_product)" {
		t.Fatalf("unexpected product name: %s", k.Name())
	}
	single, err := NewProduct([]string{"dot_product"}, nil)
	if err != nil {
		t.Fatalf("single product: %v", err)
	}
	if _, ok := single.(DotProduct); !ok {
		t.Fatalf("expected a single factor to be returned unwrapped, got %T", single)
	}
}
