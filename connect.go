// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package birpc

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// Client is the browser side of the bridge: a Session over a reconnecting
// HotChannel, serving its own functions and extensions from a Registry.
type Client struct {
	*Session
	Channel  *HotChannel
	Registry *Registry
}

// Connect discovers a host from cfg's candidates and starts a session that
// serves table. The channel keeps reconnecting until Close.
func Connect(ctx context.Context, cfg Config, table FunctionTable, log zerolog.Logger) (*Client, error) {
	sessOpts, err := cfg.SessionOptions()
	if err != nil {
		return nil, err
	}
	candidates := cfg.DialCandidates()
	log.Debug().Strs("candidates", candidates).Msg("connecting")

	ch, err := Dial(ctx, candidates,
		WithHandshakeTimeout(cfg.HandshakeTimeout.Std()),
		WithDialLogger(log),
		WithChannelOptions(cfg.ChannelOptions()...),
	)
	if err != nil {
		return nil, err
	}

	registry := NewRegistry(table)
	sessOpts = append(sessOpts, WithResolver(registry), WithLogger(log))
	return &Client{
		Session:  NewSession(registry.Table(), ch, sessOpts...),
		Channel:  ch,
		Registry: registry,
	}, nil
}

// Register adds or replaces the extension table for namespace.
func (c *Client) Register(namespace string, table FunctionTable) {
	c.Registry.Register(namespace, table)
}

// Status returns the connectivity status of the channel.
func (c *Client) Status() *Status {
	return c.Channel.Status()
}

// Close closes the session, then the channel.
func (c *Client) Close() error {
	return errors.Join(c.Session.Close(), c.Channel.Close())
}
