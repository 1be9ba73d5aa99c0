//go:build tinygo || wasm

// Timer is an example wasm agent. It reads the user's request from
// LOQA_QUERY and answers with the timer it would set.
//
//	GOOS=wasip1 GOARCH=wasm go build -o timer.wasm ./agents/examples/timer
package main

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-link/agents/examples/internal/host"
)

var durationPattern = regexp.MustCompile(`(\d+)\s*(second|sec|minute|min|hour|hr)s?`)

func main() {
	query := strings.TrimSpace(os.Getenv("LOQA_QUERY"))
	host.Log("timer agent invoked")
	if query == "" {
		fmt.Fprintln(os.Stderr, "no request given")
		os.Exit(2)
	}

	m := durationPattern.FindStringSubmatch(strings.ToLower(query))
	if m == nil {
		fmt.Fprintln(os.Stderr, "could not find a duration in the request")
		os.Exit(1)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		fmt.Fprintln(os.Stderr, "timer duration must be positive")
		os.Exit(1)
	}
	fmt.Printf("Timer set for %d %s\n", n, unit(m[2], n))
}

func unit(raw string, n int) string {
	var name string
	switch raw {
	case "second", "sec":
		name = "second"
	case "minute", "min":
		name = "minute"
	default:
		name = "hour"
	}
	if n != 1 {
		name += "s"
	}
	return name
}
