package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/packgrant/packgrant/core/packs"
)

type namedStore struct {
	name string
}

func (s namedStore) ResolveDownloadURI(_ context.Context, asset packs.Asset) (string, error) {
	return s.name + "://" + asset.Key, nil
}

func (s namedStore) Fetch(_ context.Context, asset packs.Asset) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(s.name)), nil
}

func TestRouterDispatch(t *testing.T) {
	r := NewRouter().Register("oss", namedStore{"oss"}).Register("SelfHost", namedStore{"selfhost"})
	ctx := context.Background()

	uri, err := r.ResolveDownloadURI(ctx, packs.Asset{Name: "a", Key: "a.zip"})
	if err != nil || uri != "oss://a.zip" {
		t.Fatalf("expected default store, got %q err=%v", uri, err)
	}
	uri, err = r.ResolveDownloadURI(ctx, packs.Asset{Name: "b", Key: "b.zip", Store: "selfhost"})
	if err != nil || uri != "selfhost://b.zip" {
		t.Fatalf("expected selfhost store, got %q err=%v", uri, err)
	}
	rc, err := r.Fetch(ctx, packs.Asset{Name: "b", Key: "b.zip", Store: " SELFHOST "})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	data, _ := io.ReadAll(rc)
	if string(data) != "selfhost" {
		t.Fatalf("unexpected store %q", data)
	}
	if names := r.Names(); len(names) != 2 || names[0] != "oss" || names[1] != "selfhost" {
		t.Fatalf("unexpected names %v", names)
	}
}

func TestRouterUnknownStore(t *testing.T) {
	r := NewRouter().Register("oss", namedStore{"oss"})
	_, err := r.Fetch(context.Background(), packs.Asset{Name: "x", Key: "x.zip", Store: "s3"})
	if !errors.Is(err, packs.ErrMalformedDescriptor) {
		t.Fatalf("expected malformed descriptor, got %v", err)
	}
	empty := NewRouter()
	if _, err := empty.ResolveDownloadURI(context.Background(), packs.Asset{Name: "x", Key: "x.zip"}); !errors.Is(err, packs.ErrMalformedDescriptor) {
		t.Fatalf("expected malformed descriptor, got %v", err)
	}
}
