// Package remote provides clients for the remote blurb store.
package remote

import "context"

// Client is the interface for the remote store a cache mirrors.
type Client interface {
	// Upload sends a key/value payload to the remote store.
	Upload(ctx context.Context, blurbs map[string]string) error

	// Download fetches the remote key/value mapping.
	// Returns ErrNotModified if nothing changed since the last download.
	Download(ctx context.Context) (map[string]string, error)
}

// Deployer is implemented by stores that can publish draft blurbs.
type Deployer interface {
	Deploy(ctx context.Context) error
}
