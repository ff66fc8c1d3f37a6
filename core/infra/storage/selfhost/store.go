// Package selfhost serves packs from a local directory through this process.
package selfhost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/packgrant/packgrant/core/packs"
)

// Store implements packs.AssetStore over files under Root, published at BaseURL.
type Store struct {
	root    string
	baseURL *url.URL
}

var _ packs.AssetStore = (*Store)(nil)

func New(root, baseURL string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("selfhost root required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("selfhost root: %w", err)
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("selfhost base url %q must be an http(s) url", baseURL)
	}
	return &Store{root: abs, baseURL: u}, nil
}

func (s *Store) Root() string { return s.root }

// ResolveDownloadURI returns BaseURL/key after checking that the file exists.
func (s *Store) ResolveDownloadURI(_ context.Context, asset packs.Asset) (string, error) {
	key, file, err := s.locate(asset.Key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(file); err != nil {
		return "", packs.FaultError("stat", key, err)
	}
	u := *s.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + "/" + key
	return u.String(), nil
}

func (s *Store) Fetch(_ context.Context, asset packs.Asset) (io.ReadCloser, error) {
	key, file, err := s.locate(asset.Key)
	if err != nil {
		return nil, err
	}
	// #nosec G304 -- path is confined to the root by locate.
	f, err := os.Open(file)
	if err != nil {
		return nil, packs.FaultError("open", key, err)
	}
	return f, nil
}

// locate cleans a slash separated key and maps it to a file inside the root.
func (s *Store) locate(raw string) (string, string, error) {
	key, err := cleanKey(raw)
	if err != nil {
		return "", "", err
	}
	return key, filepath.Join(s.root, filepath.FromSlash(key)), nil
}

func cleanKey(raw string) (string, error) {
	key := strings.TrimSpace(raw)
	if key == "" {
		return "", fmt.Errorf("%w: empty file key", packs.ErrMalformedDescriptor)
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") || filepath.IsAbs(key) {
		return "", fmt.Errorf("%w: file key %q must be relative", packs.ErrMalformedDescriptor, raw)
	}
	cleaned := path.Clean(key)
	if !fs.ValidPath(cleaned) || cleaned == "." {
		return "", fmt.Errorf("%w: file key %q escapes the root", packs.ErrMalformedDescriptor, raw)
	}
	return cleaned, nil
}
