// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Command birpcctl calls a function on a birpc host, either over a hot
// context or through the JSON-RPC gateway, and prints the result.
//
//	birpcctl -candidate zap://127.0.0.1:9797/ getVersion
//	birpcctl -gateway http://127.0.0.1:9798/ echo '"a"' '{"b":1}'
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"time"

	"github.com/luxfi/birpc"
)

var (
	configPath = flag.String("config", "", "path to a .yaml or .toml config file")
	candidate  = flag.String("candidate", "", "hot context URL to dial (overrides config candidates)")
	gateway    = flag.String("gateway", "", "JSON-RPC gateway URL; when set the call goes over HTTP")
	timeout    = flag.Duration("timeout", 10*time.Second, "overall deadline for the call")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: birpcctl [flags] <method> [json-arg ...]\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	method := flag.Arg(0)
	args := parseArgs(flag.Args()[1:])

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	var (
		result interface{}
		err    error
	)
	if *gateway != "" {
		result, err = callGateway(ctx, *gateway, method, args)
	} else {
		result, err = callHot(ctx, method, args)
	}
	if err != nil {
		fail(err)
	}
	if err := printResult(result); err != nil {
		fail(err)
	}
}

func parseArgs(raw []string) []interface{} {
	args := make([]interface{}, 0, len(raw))
	for _, r := range raw {
		var v interface{}
		if err := json.Unmarshal([]byte(r), &v); err != nil {
			// bare words are passed as strings
			v = r
		}
		args = append(args, v)
	}
	return args
}

func callGateway(ctx context.Context, rawURL, method string, args []interface{}) (interface{}, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid gateway url: %w", err)
	}
	return birpc.InvokeGateway(ctx, u, method, args)
}

func callHot(ctx context.Context, method string, args []interface{}) (interface{}, error) {
	cfg := birpc.DefaultConfig()
	if *configPath != "" {
		loaded, err := birpc.LoadConfig(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if *candidate != "" {
		cfg.Candidates = []string{*candidate}
	}

	log := birpc.NewLogger(cfg.Log)
	birpc.SetLogger(log)

	client, err := birpc.Connect(ctx, cfg, nil, log)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	return client.Call(ctx, method, args...)
}

// printResult writes result as indented JSON. Results with shared or cyclic
// references cannot be written as a plain tree and fall back to the flat
// table form.
func printResult(result interface{}) error {
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		out, err = birpc.FlatCodec{}.Encode(result)
		if err != nil {
			return err
		}
	}
	_, err = fmt.Println(string(out))
	return err
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "birpcctl: %v\n", err)
	os.Exit(1)
}
