package main

import "time"

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// APIFlags selects the daemon a client command talks to. An empty APIUrl
// is derived from the config's [server] section.
type APIFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
	Token      string
	CACert     string
	Insecure   bool
}

type ServeFlags struct {
	ConfigPath string
}
