package main

import "time"

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
	Token      string
	CACert     string
	Insecure   bool
}

// LifecycleFlags Flag structs to decouple cobra from logic for testing.
type LifecycleFlags struct {
	Name string
}

type StatusFlags struct {
	Name string
}

type LogsFlags struct {
	Name   string
	Stream string
	Lines  int
}

type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PIDFile    string
	LogFile    string
}
