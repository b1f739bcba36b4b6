package main

import "time"

// GlobalFlags are the persistent flags shared by every subcommand.
type GlobalFlags struct {
	RepoRoot   string
	ConfigPath string
	Verbose    bool
}

// StartFlags Flag structs to decouple cobra from logic for testing.
type StartFlags struct {
	Wait    time.Duration
	WaitSet bool
}

type StopFlags struct {
	TimeoutTicks int
	Interval     time.Duration
	TicksSet     bool
	IntervalSet  bool
}

type StatusFlags struct {
	// Remote status server (serve-status)
	APIUrl     string
	APITimeout time.Duration
	APICACert  string
}

type UpdateFlags struct {
	Path string
}

type HistoryFlags struct {
	Limit int
}

type ServeFlags struct {
	Listen string
}
