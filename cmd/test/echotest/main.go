package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	RunDuration  int    `long:"run-duration" description:"Duration in seconds to run before exiting (debug feature)"`
	ExitCode     int    `long:"exit-code" description:"Exit code to use when the run duration elapses"`
	HealthPort   int    `long:"health-port" description:"Serve GET /healthz on this port"`
	HealthStatus int    `long:"health-status" description:"Status code returned by /healthz" default:"200"`
	FailAfter    int    `long:"fail-after" description:"Return 500 from /healthz after this many successful checks"`
	IgnoreTerm   bool   `long:"ignore-term" description:"Ignore SIGTERM so the supervisor has to escalate to a kill"`
	Message      string `long:"message" description:"Line printed to stdout on startup"`
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Running Echotest, pid: %d, opts: %+v...\n", os.Getpid(), opts)
	if opts.Message != "" {
		fmt.Println(opts.Message)
	}

	ctx := context.Background()
	if opts.RunDuration > 0 {
		fmt.Printf("Using RUN DURATION of %d seconds\n", opts.RunDuration)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.RunDuration)*time.Second)
		defer cancel()
	}

	if opts.HealthPort > 0 {
		server := &http.Server{
			Addr:              fmt.Sprintf("127.0.0.1:%d", opts.HealthPort),
			Handler:           healthHandler(opts.HealthStatus, opts.FailAfter),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fmt.Fprintf(os.Stderr, "Health endpoint failed: %v\n", err)
				os.Exit(3)
			}
		}()
		defer server.Close()
		fmt.Printf("Serving /healthz on %s\n", server.Addr)
	}

	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig) // Unix signals not implemented on Windows
	} else if opts.IgnoreTerm {
		signal.Ignore(syscall.SIGTERM)
		signal.Notify(sig, os.Interrupt)
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}

	fmt.Printf("Echotest is ready\n")

	select {
	case receivedSignal := <-sig:
		fmt.Printf("Echotest received signal: %v\n", receivedSignal)
	case <-ctx.Done():
		fmt.Printf("Echotest run duration elapsed, exit code: %d\n", opts.ExitCode)
		os.Exit(opts.ExitCode)
	}

	fmt.Printf("Echotest stopped\n")
}

func healthHandler(status, failAfter int) http.Handler {
	var served atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		n := served.Add(1)
		code := status
		if failAfter > 0 && n > int64(failAfter) {
			code = http.StatusInternalServerError
		}
		w.WriteHeader(code)
		fmt.Fprintf(w, "%d\n", code)
	})
	return mux
}
