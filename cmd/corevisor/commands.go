package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/loykin/corevisor"
	"github.com/loykin/corevisor/pkg/client"
)

// command runs client-side subcommands against a daemon and prints results.
type command struct {
	out io.Writer
}

func (c command) newClient(f APIFlags) (*client.Client, error) {
	url, token, caCert := f.APIUrl, f.Token, f.CACert
	if f.ConfigPath != "" {
		cfg, err := corevisor.LoadConfig(f.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
		if url == "" {
			url = apiURLFromConfig(cfg)
		}
		if token == "" {
			if token, err = cfg.Server.Auth.Resolve(); err != nil {
				return nil, err
			}
		}
		if caCert == "" && cfg.Server.TLS.Enabled {
			caCert = cfg.Server.TLS.CACertPath()
		}
	}
	if url == "" {
		url = client.DefaultBaseURL
	}
	cc := client.Config{BaseURL: url, Token: token, Timeout: f.APITimeout, Insecure: f.Insecure}
	if caCert != "" {
		cc.TLS = &client.TLSClientConfig{CACert: caCert}
	}
	return client.New(cc), nil
}

func (c command) Status(ctx context.Context, f APIFlags) error {
	cl, err := c.newClient(f)
	if err != nil {
		return err
	}
	payload, err := cl.Status(ctx)
	if err != nil {
		return err
	}
	return printJSON(c.out, json.RawMessage(payload))
}

func (c command) Start(ctx context.Context, f APIFlags) error {
	return c.message(ctx, f, (*client.Client).Start)
}

func (c command) Stop(ctx context.Context, f APIFlags) error {
	return c.message(ctx, f, (*client.Client).Stop)
}

func (c command) Install(ctx context.Context, f APIFlags) error {
	return c.message(ctx, f, (*client.Client).Install)
}

func (c command) Running(ctx context.Context, f APIFlags) error {
	cl, err := c.newClient(f)
	if err != nil {
		return err
	}
	running, err := cl.Running(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, running)
	return err
}

func (c command) State(ctx context.Context, f APIFlags) error {
	cl, err := c.newClient(f)
	if err != nil {
		return err
	}
	st, err := cl.State(ctx)
	if err != nil {
		return err
	}
	return printJSON(c.out, st)
}

func (c command) message(ctx context.Context, f APIFlags, call func(*client.Client, context.Context) (string, error)) error {
	cl, err := c.newClient(f)
	if err != nil {
		return err
	}
	msg, err := call(cl, ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, msg)
	return err
}
