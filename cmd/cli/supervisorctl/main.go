package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/core-tools/hsu-supervisor/pkg/control"
	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logcollection"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/runner"
)

const (
	exitOK          = 0
	exitFailure     = 1
	exitConfigError = 2
)

type startCommand struct {
	Manifest    string `long:"manifest" short:"m" description:"path to the service manifest (YAML or JSON)" required:"true"`
	RunDuration int    `long:"run-duration" description:"Duration in seconds to run the supervisor (debug feature)"`
	Address     string `long:"address" description:"control API listen address, overrides settings.control_address; '-' disables it"`
}

func (c *startCommand) Execute(_ []string) error {
	return runner.Run(runner.Options{
		ManifestFile:   c.Manifest,
		RunDuration:    c.RunDuration,
		ControlAddress: c.Address,
	})
}

type ClientOptions struct {
	Address string        `long:"address" description:"control API address of a running supervisor" default:"127.0.0.1:7077"`
	Timeout time.Duration `long:"timeout" description:"request timeout" default:"60s"`
}

func (o ClientOptions) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), o.Timeout)
}

type stopCommand struct {
	ClientOptions
	Args struct {
		ID string `positional-arg-name:"id" description:"service to stop; all services when omitted"`
	} `positional-args:"yes"`
}

func (c *stopCommand) Execute(_ []string) error {
	gw := control.NewHTTPClientGateway(c.Address, cliLogger())
	ctx, cancel := c.context()
	defer cancel()

	if c.Args.ID == "" {
		if err := gw.StopAll(ctx); err != nil {
			return err
		}
		fmt.Println("all services stopped")
		return nil
	}
	if err := gw.Stop(ctx, c.Args.ID); err != nil {
		return err
	}
	fmt.Printf("%s stopped\n", c.Args.ID)
	return nil
}

type serviceStartCommand struct {
	ClientOptions
	Args struct {
		ID string `positional-arg-name:"id" description:"service to start" required:"yes"`
	} `positional-args:"yes" required:"yes"`
}

func (c *serviceStartCommand) Execute(_ []string) error {
	gw := control.NewHTTPClientGateway(c.Address, cliLogger())
	ctx, cancel := c.context()
	defer cancel()

	if err := gw.Start(ctx, c.Args.ID); err != nil {
		return err
	}
	fmt.Printf("%s scheduled to start\n", c.Args.ID)
	return nil
}

type statusCommand struct {
	ClientOptions
	JSON bool `long:"json" description:"print the snapshot as JSON"`
}

func (c *statusCommand) Execute(_ []string) error {
	gw := control.NewHTTPClientGateway(c.Address, cliLogger())
	ctx, cancel := c.context()
	defer cancel()

	snap, err := gw.Status(ctx)
	if err != nil {
		return err
	}
	if c.JSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(snap)
	}
	renderStatus(os.Stdout, snap, time.Now(), colorEnabled())
	return nil
}

type validateCommand struct {
	Manifest string `long:"manifest" short:"m" description:"path to the service manifest (YAML or JSON)" required:"true"`
}

func (c *validateCommand) Execute(_ []string) error {
	m, err := runner.ValidateManifestFile(c.Manifest)
	if err != nil {
		return err
	}
	renderSummary(os.Stdout, m.Summary())
	return nil
}

func cliLogger() logging.Logger {
	config := logcollection.DefaultZapConfig()
	config.Level = "error"
	adapter, err := logcollection.NewZapAdapter(config)
	if err != nil {
		return logging.Nop()
	}
	return logging.FromLogger("module: hsu-supervisor-client , ", adapter)
}

func newParser() *flags.Parser {
	parser := flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)
	parser.Name = "supervisorctl"
	parser.ShortDescription = "Service supervisor"

	mustAdd := func(name, short, long string, data interface{}) {
		if _, err := parser.AddCommand(name, short, long, data); err != nil {
			panic(err)
		}
	}
	mustAdd("start", "Run the supervisor",
		"Load the manifest and supervise its services until interrupted.", &startCommand{})
	mustAdd("stop", "Stop a service or all services",
		"Stop one service, or every service when no id is given, on a running supervisor.", &stopCommand{})
	mustAdd("start-service", "Start a stopped or failed service",
		"Relaunch one service on a running supervisor and reset its restart count.", &serviceStartCommand{})
	mustAdd("status", "Show service status",
		"Print the status snapshot of a running supervisor.", &statusCommand{})
	mustAdd("validate", "Validate a manifest",
		"Load and validate a manifest without starting anything.", &validateCommand{})
	return parser
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
		return exitOK
	}
	if errors.IsConfigError(err) {
		return exitConfigError
	}
	return exitFailure
}

func main() {
	_, err := newParser().ParseArgs(os.Args[1:])
	code := exitCode(err)
	if err != nil {
		if code == exitOK {
			fmt.Println(err)
		} else {
			fmt.Fprintf(os.Stderr, "supervisorctl: %v\n", err)
		}
	}
	os.Exit(code)
}
