// Command descartesctl is a thin client for the daemon's control plane:
// "call" sends one JSON-RPC request over the Unix socket and prints the
// response, "loop" drives the Iterative/Ralph Loop Driver directly
// against a harness CLI without going through the daemon at all.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/descartes-run/descartes/loopdriver"
	"github.com/descartes-run/descartes/rpc"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	switch os.Args[1] {
	case "call":
		runCall(os.Args[2:])
	case "loop":
		runLoop(os.Args[2:])
	default:
		usage()
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: descartesctl call <method> [json-params] | loop <command> [args...]")
	os.Exit(2)
}

// runCall sends {"jsonrpc":"2.0","method":method,"params":params,"id":1}
// to the daemon socket and prints the single-line JSON response.
func runCall(args []string) {
	if len(args) < 1 {
		usage()
	}
	method := args[0]
	var params json.RawMessage
	if len(args) > 1 {
		params = json.RawMessage(args[1])
	}

	sockPath, err := rpc.SocketPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "descartesctl: %v\n", err)
		os.Exit(1)
	}

	conn, err := net.DialTimeout("unix", sockPath, 5*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "descartesctl: dial %s: %v\n", sockPath, err)
		os.Exit(1)
	}
	defer conn.Close()

	req := rpc.Request{JSONRPC: "2.0", Method: method, Params: params, ID: json.RawMessage("1")}
	data, err := json.Marshal(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "descartesctl: encode request: %v\n", err)
		os.Exit(1)
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		fmt.Fprintf(os.Stderr, "descartesctl: write: %v\n", err)
		os.Exit(1)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	if !scanner.Scan() {
		fmt.Fprintf(os.Stderr, "descartesctl: no response: %v\n", scanner.Err())
		os.Exit(1)
	}
	fmt.Println(scanner.Text())
}

// runLoop runs an Iterative/Ralph Loop Driver session against command,
// persisting resumable state to .descartes-loop.json in the current
// directory.
func runLoop(args []string) {
	if len(args) < 1 {
		usage()
	}
	cfg := loopdriver.Config{
		Command:            args[0],
		Args:               args[1:],
		Prompt:             os.Getenv("DESCARTES_LOOP_PROMPT"),
		CompletionSentinel: os.Getenv("DESCARTES_LOOP_SENTINEL"),
		PromptMode:         loopdriver.PromptStdin,
		MaxIterations:      10,
	}

	driver, err := loopdriver.New(cfg, ".descartes-loop.json")
	if err != nil {
		fmt.Fprintf(os.Stderr, "descartesctl: loop init: %v\n", err)
		os.Exit(1)
	}

	state, err := driver.Run(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "descartesctl: loop run: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("exit_reason=%s iterations=%d\n", state.ExitReason, state.Iteration)
}
