package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/namespaces"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Client wraps the containerd client with namespace scoping, image caching
// and health checking.
type Client struct {
	inner     *containerd.Client
	namespace string

	mu     sync.RWMutex
	closed bool
	images map[string]containerd.Image
}

// NewClient connects to containerd and verifies the connection.
func NewClient(ctx context.Context, socket, namespace string) (*Client, error) {
	inner, err := containerd.New(socket,
		containerd.WithDefaultNamespace(namespace),
		containerd.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to containerd at %s: %w", socket, err)
	}

	if _, err := inner.Version(ctx); err != nil {
		_ = inner.Close()
		return nil, fmt.Errorf("containerd health check failed: %w", err)
	}

	log.Info().
		Str("socket", socket).
		Str("namespace", namespace).
		Msg("connected to containerd")

	return &Client{
		inner:     inner,
		namespace: namespace,
		images:    make(map[string]containerd.Image),
	}, nil
}

// Raw returns the underlying containerd client for direct API usage.
func (c *Client) Raw() *containerd.Client {
	return c.inner
}

// WithNamespace returns a context with the configured namespace.
func (c *Client) WithNamespace(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, c.namespace)
}

// Healthy checks if the containerd connection is alive.
func (c *Client) Healthy(ctx context.Context) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return false
	}
	_, err := c.inner.Version(ctx)
	return err == nil
}

// Close shuts down the containerd client.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.inner != nil {
		return c.inner.Close()
	}
	return nil
}

// Image returns a local image, pulling it on first use.
func (c *Client) Image(ctx context.Context, ref string) (containerd.Image, error) {
	c.mu.RLock()
	img, ok := c.images[ref]
	c.mu.RUnlock()
	if ok {
		return img, nil
	}

	ctx = c.WithNamespace(ctx)
	img, err := c.inner.GetImage(ctx, ref)
	if err != nil {
		log.Info().Str("ref", ref).Msg("pulling image")
		img, err = c.inner.Pull(ctx, ref, containerd.WithPullUnpack)
		if err != nil {
			return nil, fmt.Errorf("pulling image %s: %w", ref, err)
		}
		log.Info().Str("ref", ref).Msg("image pulled")
	}

	c.mu.Lock()
	c.images[ref] = img
	c.mu.Unlock()
	return img, nil
}

// PrefetchImages pulls every image up front so the first submission of
// each language does not pay for the download inside its time limit.
func (c *Client) PrefetchImages(ctx context.Context, refs []string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(3)
	for _, ref := range refs {
		g.Go(func() error {
			_, err := c.Image(ctx, ref)
			return err
		})
	}
	return g.Wait()
}
