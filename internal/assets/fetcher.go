package assets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/normanking/cortexpuppet/internal/puppet"
	"github.com/qmuntal/gltf"
	"github.com/rs/zerolog"
)

// Fetcher turns a descriptor into a decoded, CPU-side asset.
type Fetcher interface {
	Fetch(ctx context.Context, desc puppet.Descriptor) (*puppet.Asset, error)
}

type FetcherOptions struct {
	Client     *http.Client
	Attempts   int
	RetryDelay time.Duration
	Logger     zerolog.Logger
}

func DefaultFetcherOptions() FetcherOptions {
	return FetcherOptions{
		Attempts:   3,
		RetryDelay: 250 * time.Millisecond,
		Logger:     zerolog.Nop(),
	}
}

// GLTFFetcher reads glTF meshes and textures from local paths, file:// or
// http(s) URLs. Every read is retried a bounded number of times at a fixed
// delay.
type GLTFFetcher struct {
	client   *http.Client
	attempts int
	delay    time.Duration
	log      zerolog.Logger
}

func NewFetcher(opts FetcherOptions) *GLTFFetcher {
	d := DefaultFetcherOptions()
	if opts.Attempts <= 0 {
		opts.Attempts = d.Attempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = d.RetryDelay
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 30 * time.Second}
	}
	return &GLTFFetcher{
		client:   opts.Client,
		attempts: opts.Attempts,
		delay:    opts.RetryDelay,
		log:      opts.Logger.With().Str("component", "fetcher").Logger(),
	}
}

// Fetch stops between steps as soon as ctx is done and returns ctx.Err().
func (f *GLTFFetcher) Fetch(ctx context.Context, desc puppet.Descriptor) (*puppet.Asset, error) {
	start := time.Now()

	doc, err := f.document(ctx, desc)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mesh, textures, params, err := decodeDocument(doc)
	if err != nil {
		return nil, &FetchError{Model: desc.ID, URL: desc.Source, Err: err}
	}

	for _, ref := range desc.Textures {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		loc := resolveRef(desc.Source, ref)
		data, err := f.readWithRetry(ctx, loc)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &FetchError{Model: desc.ID, URL: loc, Err: err}
		}
		textures = append(textures, puppet.TextureData{Name: ref, Data: data})
	}

	f.log.Debug().
		Str("model", desc.ID).
		Int("vertices", len(mesh.Positions)).
		Int("morph_targets", len(mesh.MorphTargets)).
		Int("textures", len(textures)).
		Dur("took", time.Since(start)).
		Msg("Asset fetched")

	return &puppet.Asset{
		Descriptor: desc,
		Mesh:       mesh,
		Textures:   textures,
		Parameters: params,
	}, nil
}

func (f *GLTFFetcher) document(ctx context.Context, desc puppet.Descriptor) (*gltf.Document, error) {
	if p, ok := localPath(desc.Source); ok {
		doc, err := retry(ctx, f, func() (*gltf.Document, error) {
			doc, err := gltf.Open(p)
			if errors.Is(err, os.ErrNotExist) {
				return nil, backoff.Permanent(err)
			}
			return doc, err
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &FetchError{Model: desc.ID, URL: desc.Source, Err: err}
		}
		return doc, nil
	}

	data, err := f.readWithRetry(ctx, desc.Source)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &FetchError{Model: desc.ID, URL: desc.Source, Err: err}
	}
	doc := new(gltf.Document)
	if err := gltf.NewDecoder(bytes.NewReader(data)).Decode(doc); err != nil {
		return nil, &FetchError{Model: desc.ID, URL: desc.Source, Err: fmt.Errorf("decode gltf: %w", err)}
	}
	return doc, nil
}

func (f *GLTFFetcher) readWithRetry(ctx context.Context, loc string) ([]byte, error) {
	return retry(ctx, f, func() ([]byte, error) {
		return f.read(ctx, loc)
	})
}

func retry[T any](ctx context.Context, f *GLTFFetcher, op func() (T, error)) (T, error) {
	attempt := 0
	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := op()
		if err != nil {
			f.log.Debug().Err(err).Int("attempt", attempt).Msg("Fetch attempt failed")
		}
		return v, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(f.delay)),
		backoff.WithMaxTries(uint(f.attempts)),
	)
}

func (f *GLTFFetcher) read(ctx context.Context, loc string) ([]byte, error) {
	if p, ok := localPath(loc); ok {
		data, err := os.ReadFile(p)
		if errors.Is(err, os.ErrNotExist) {
			return nil, backoff.Permanent(err)
		}
		return data, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	default:
		return nil, backoff.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
	return io.ReadAll(resp.Body)
}

// localPath reports whether loc names a file on disk.
func localPath(loc string) (string, bool) {
	if strings.HasPrefix(loc, "file://") {
		return strings.TrimPrefix(loc, "file://"), true
	}
	if strings.Contains(loc, "://") {
		return "", false
	}
	return loc, true
}

// resolveRef resolves a texture reference against the model source.
func resolveRef(source, ref string) string {
	if strings.Contains(ref, "://") || filepath.IsAbs(ref) {
		return ref
	}
	if p, ok := localPath(source); ok {
		return filepath.Join(filepath.Dir(p), ref)
	}
	base, err := url.Parse(source)
	if err != nil {
		return ref
	}
	base.Path = path.Join(path.Dir(base.Path), ref)
	return base.String()
}
