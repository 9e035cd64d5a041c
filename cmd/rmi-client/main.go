// Command rmi-client invokes methods on remote objects from the shell.
//
//	rmi-client call --named counter increment
//	rmi-client call --named counter incrementBy: 5
//	rmi-client call --class Clock --accessor sharedInstance zone
//	rmi-client list --watch
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/urfave/cli"
	"go.uber.org/zap"

	"mini-rmi/codec"
	"mini-rmi/config"
	"mini-rmi/discovery"
	"mini-rmi/loadbalance"
	"mini-rmi/logging"
	"mini-rmi/message"
	"mini-rmi/peer"
)

func main() {
	app := cli.NewApp()
	app.Name = "rmi-client"
	app.Usage = "call methods on remote objects"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "config file (.yaml, .yml or JSON with comments)",
		},
		cli.StringFlag{
			Name:  "server, s",
			Usage: "tcp host:port or ws:// URL; empty discovers the service instead",
		},
	}
	app.Commands = []cli.Command{
		cli.Command{
			Name:      "call",
			Usage:     "invoke a selector and print the result",
			ArgsUsage: "selector [json-arg...]",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "named, n",
					Usage: "registered object name",
				},
				cli.StringFlag{
					Name:  "class",
					Usage: "target class, required with --accessor",
				},
				cli.StringFlag{
					Name:  "accessor, a",
					Usage: "class-level selector returning the target object",
				},
				cli.StringFlag{
					Name:  "codec",
					Usage: "json or binary",
				},
			},
			Action: callCommand,
		},
		cli.Command{
			Name:  "list",
			Usage: "list the published instances of the service",
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name:  "watch, w",
					Usage: "keep printing the instance list after every change",
				},
			},
			Action: listCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, red(err.Error()))
		os.Exit(1)
	}
}

func green(s string) string {
	return color.New(color.FgHiGreen).SprintFunc()(s)
}

func red(s string) string {
	return color.New(color.FgHiRed).SprintFunc()(s)
}

func cyan(s string) string {
	return color.New(color.FgHiCyan).SprintFunc()(s)
}

func setup(c *cli.Context) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(c.GlobalString("config"))
	if err != nil {
		return cfg, nil, err
	}
	if v := c.GlobalString("server"); v != "" {
		cfg.Client.ServerAddr = v
	}
	logger, err := logging.New(cfg.Log)
	return cfg, logger, err
}

func callCommand(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if c.NArg() < 1 {
		return errors.New("missing selector")
	}
	selector := c.Args().First()
	args := parseArgs(c.Args().Tail())

	var res message.Resolution
	switch {
	case c.String("named") != "" && c.String("accessor") != "":
		return errors.New("--named and --accessor are exclusive")
	case c.String("named") != "":
		res = message.Named(c.String("named"))
	case c.String("accessor") != "":
		res = message.Accessor(c.String("accessor"))
	default:
		return errors.New("one of --named or --accessor is required")
	}

	codecName := cfg.Client.Codec
	if v := c.String("codec"); v != "" {
		codecName = v
	}
	codecType, err := codec.ParseCodecType(codecName)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Client.DialTimeout.Std())
	defer cancel()
	sess, err := dial(ctx, cfg, logger, res.Named, peer.WithCodec(codecType),
		peer.WithCallTimeout(cfg.Client.CallTimeout.Std()), peer.WithLogger(logger))
	if err != nil {
		return err
	}
	defer sess.Close()

	proxy, err := sess.Proxy(c.String("class"), res)
	if err != nil {
		return err
	}
	result, err := proxy.Invoke(context.Background(), selector, args...)
	if err != nil {
		var rmiErr *message.Error
		if errors.As(err, &rmiErr) {
			return fmt.Errorf("%s: %s", rmiErr.Kind, rmiErr.Message)
		}
		return err
	}
	out, err := json.Marshal(result)
	if err != nil {
		return err
	}
	fmt.Println(green(string(out)))
	return nil
}

// dial connects to the configured server, or to an instance of the configured service
// picked for key.
func dial(ctx context.Context, cfg config.Config, logger *zap.Logger, key string, opts ...peer.Option) (*peer.Session, error) {
	if cfg.Client.ServerAddr != "" {
		return peer.Dial(ctx, cfg.Client.ServerAddr, nil, opts...)
	}
	dir, err := cfg.Discovery.OpenDirectory(logger)
	if err != nil {
		return nil, err
	}
	if dir == nil {
		return nil, errors.New("no server address and no discovery backend configured")
	}
	defer dir.Close()
	bal, err := loadbalance.New(cfg.Client.Balancer)
	if err != nil {
		return nil, err
	}
	return peer.DialService(ctx, dir, bal, cfg.Client.Service, key, nil, opts...)
}

func listCommand(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	dir, err := cfg.Discovery.OpenDirectory(logger)
	if err != nil {
		return err
	}
	if dir == nil {
		return errors.New("no discovery backend configured")
	}
	defer dir.Close()

	if c.Bool("watch") {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return watchInstances(ctx, dir, cfg.Client.Service, os.Stdout)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Discovery.DialTimeout.Std())
	defer cancel()
	instances, err := dir.Discover(ctx, cfg.Client.Service)
	if err != nil {
		return err
	}
	printInstances(os.Stdout, cfg.Client.Service, instances)
	return nil
}

// watchInstances prints the current instances of service, then the full list after every
// change, until ctx ends.
func watchInstances(ctx context.Context, dir discovery.Directory, service string, w io.Writer) error {
	updates := dir.Watch(ctx, service)
	instances, err := dir.Discover(ctx, service)
	if err != nil {
		return err
	}
	printInstances(w, service, instances)
	for instances := range updates {
		fmt.Fprintln(w, "--")
		printInstances(w, service, instances)
	}
	return nil
}

func printInstances(w io.Writer, service string, instances []discovery.Instance) {
	if len(instances) == 0 {
		fmt.Fprintln(w, red("no instances of "+service))
		return
	}
	for _, inst := range instances {
		fmt.Fprintf(w, "%s weight=%d version=%s objects=%v\n", cyan(inst.Addr), inst.Weight, inst.Version, inst.Objects)
	}
}

// parseArgs decodes each argument as JSON, falling back to a plain string.
// Integral numbers are passed as integers.
func parseArgs(raw []string) []any {
	args := make([]any, len(raw))
	for i, s := range raw {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			args[i] = s
			continue
		}
		if f, ok := v.(float64); ok && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			v = int64(f)
		}
		args[i] = v
	}
	return args
}
