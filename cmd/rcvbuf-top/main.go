package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/zsiec/rcvbuf/pkg/version"
)

func main() {
	var (
		url         string
		interval    time.Duration
		useHTTP3    bool
		insecure    bool
		showVersion bool
	)

	flag.StringVar(&url, "url", "http://127.0.0.1:8080", "Base URL of the rcvbufd API")
	flag.DurationVar(&interval, "interval", time.Second, "Refresh interval")
	flag.BoolVar(&useHTTP3, "http3", false, "Connect over HTTP/3 (url must be https)")
	flag.BoolVar(&insecure, "insecure", false, "Skip TLS certificate verification")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.Parse()

	if showVersion {
		fmt.Println(version.GetInfo().String())
		return
	}
	if interval <= 0 {
		fmt.Fprintln(os.Stderr, "interval must be positive")
		os.Exit(2)
	}

	client := newAPIClient(url, useHTTP3, insecure, interval)
	if _, err := tea.NewProgram(newModel(client, interval), tea.WithAltScreen()).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "rcvbuf-top: %v\n", err)
		os.Exit(1)
	}
}
