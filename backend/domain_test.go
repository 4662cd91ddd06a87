package backend

import (
	"errors"
	"testing"
)

func TestBackendForURL(t *testing.T) {
	tests := map[string]BackendType{
		"http://localhost/":          HTTPBackend,
		"HTTPS://boot.example.net/x": HTTPBackend,
		"ftp://boot.example.net/":    UnknownBackend,
		"localhost/":                 UnknownBackend,
		"":                           UnknownBackend,
	}
	for in, want := range tests {
		if got := BackendForURL(in); got != want {
			t.Errorf("BackendForURL(%q)=%q want %q", in, got, want)
		}
	}
}

func TestFetchErrorTextIsReason(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := error(&FetchError{URL: "http://x/a", Reason: "Unable to get http://x/a", Err: cause})
	if err.Error() != "Unable to get http://x/a" {
		t.Fatalf("Error()=%q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected cause to unwrap")
	}
	var fe *FetchError
	if !errors.As(err, &fe) || fe.URL != "http://x/a" {
		t.Fatalf("errors.As failed: %#v", fe)
	}
}
