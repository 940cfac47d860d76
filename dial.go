// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package birpc

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultHandshakeTimeout bounds one candidate's connect and handshake.
const DefaultHandshakeTimeout = 5 * time.Second

// DefaultBuildAssetsDir is the build assets directory used when none is configured.
const DefaultBuildAssetsDir = "_nuxt"

// DialOption configures client connections
type DialOption func(*dialOptions)

type dialOptions struct {
	handshakeTimeout time.Duration
	log              zerolog.Logger
	channel          []ChannelOption
}

// WithHandshakeTimeout bounds each candidate attempt
func WithHandshakeTimeout(d time.Duration) DialOption {
	return func(o *dialOptions) { o.handshakeTimeout = d }
}

// WithDialLogger sets the logger used by transports
func WithDialLogger(l zerolog.Logger) DialOption {
	return func(o *dialOptions) { o.log = l }
}

// WithChannelOptions passes options through to the HotChannel built by Dial
func WithChannelOptions(opts ...ChannelOption) DialOption {
	return func(o *dialOptions) { o.channel = append(o.channel, opts...) }
}

func newDialOptions(opts []DialOption) *dialOptions {
	o := &dialOptions{
		handshakeTimeout: DefaultHandshakeTimeout,
		log:              Logger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ServerOption configures servers
type ServerOption func(*serverOptions)

type serverOptions struct {
	bases            []string
	handshakeTimeout time.Duration
	log              zerolog.Logger
}

// WithBases adds base paths the server accepts besides the listen URL's path
func WithBases(bases ...string) ServerOption {
	return func(o *serverOptions) { o.bases = append(o.bases, bases...) }
}

// WithServerHandshakeTimeout bounds how long a client may take to say hello
func WithServerHandshakeTimeout(d time.Duration) ServerOption {
	return func(o *serverOptions) { o.handshakeTimeout = d }
}

// WithServerLogger sets the server logger
func WithServerLogger(l zerolog.Logger) ServerOption {
	return func(o *serverOptions) { o.log = l }
}

// acceptedBases returns the normalized set of bases a server answers to.
func (o *serverOptions) acceptedBases(u *url.URL) map[string]bool {
	bases := map[string]bool{normalizeBase(u.Path): true}
	for _, b := range o.bases {
		bases[normalizeBase(b)] = true
	}
	return bases
}

// TryHotContext dials each candidate URL in order and returns the first
// hot context whose handshake succeeds. If none does the error is a
// *ConnectError carrying every candidate's failure.
func TryHotContext(ctx context.Context, candidates []string, opts ...DialOption) (HotContext, error) {
	o := newDialOptions(opts)
	var errs []error
	for _, raw := range candidates {
		u, err := url.Parse(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", raw, err))
			continue
		}
		t, ok := lookupTransport(u.Scheme)
		if !ok {
			errs = append(errs, fmt.Errorf("%s: unknown transport: %s", raw, u.Scheme))
			continue
		}
		hot, err := t.dial(ctx, u, o)
		if err == nil {
			o.log.Debug().Str("candidate", raw).Msg("hot context connected")
			return hot, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", raw, err))
		if ctx.Err() != nil {
			break
		}
	}
	if len(candidates) == 0 {
		errs = append(errs, errors.New("no candidates"))
	}
	return nil, &ConnectError{Candidates: candidates, Err: errors.Join(errs...)}
}

// Dial returns a HotChannel over the first reachable candidate. The same
// candidate list is tried again on every reconnect.
func Dial(ctx context.Context, candidates []string, opts ...DialOption) (*HotChannel, error) {
	o := newDialOptions(opts)
	connect := func(ctx context.Context) (HotContext, error) {
		return TryHotContext(ctx, candidates, opts...)
	}
	chOpts := append([]ChannelOption{WithChannelLogger(o.log)}, o.channel...)
	return NewHotChannel(ctx, connect, chOpts...)
}

// Listen creates a hot server for rawURL. The scheme selects the transport
// and the path is the base path clients must present.
func Listen(rawURL string, opts ...ServerOption) (HotServer, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse listen url: %w", err)
	}
	o := &serverOptions{
		handshakeTimeout: DefaultHandshakeTimeout,
		log:              Logger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	t, ok := lookupTransport(u.Scheme)
	if !ok {
		return nil, fmt.Errorf("unknown transport: %s", u.Scheme)
	}
	return t.listen(u, o)
}

// CandidateURLs lists the candidate URLs under origin in the order they are
// tried: the build assets directory below base, base itself, then the
// default assets directory and the root.
func CandidateURLs(origin, base, buildAssetsDir string) []string {
	origin = strings.TrimSuffix(origin, "/")
	buildAssetsDir = strings.Trim(buildAssetsDir, "/")
	if buildAssetsDir == "" {
		buildAssetsDir = DefaultBuildAssetsDir
	}
	var paths []string
	if base != "" {
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		paths = append(paths, base+buildAssetsDir+"/", base)
	}
	paths = append(paths, "/"+DefaultBuildAssetsDir+"/", "/")

	seen := make(map[string]bool, len(paths))
	result := make([]string, 0, len(paths))
	for _, p := range paths {
		p = normalizeBase(p)
		if seen[p] {
			continue
		}
		seen[p] = true
		result = append(result, origin+p)
	}
	return result
}

// normalizeBase gives a base path one leading and one trailing slash.
func normalizeBase(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return "/"
	}
	return "/" + p + "/"
}
