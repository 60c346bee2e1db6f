package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sys/unix"

	"github.com/absdotunfish/erlexec/proto"
	"github.com/absdotunfish/erlexec/supervisor"
)

func main() {
	app := &cli.App{
		Name:  "erlexec",
		Usage: "port daemon that starts, signals, and supervises OS processes on behalf of a host runtime",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "n",
				Usage: "Use marshaling file descriptors 3&4 instead of the default 0&1.",
			},
			&cli.IntFlag{
				Name:  "alarm",
				Value: 12,
				Usage: "Allow up to N seconds to live after receiving SIGTERM/SIGINT.",
			},
			&cli.IntFlag{
				Name:  "debug",
				Value: 0,
				Usage: "Diagnostic tracing level on stderr.",
			},
			&cli.StringFlag{
				Name:  "user",
				Usage: "If started by root, run as this user.",
			},
			&cli.StringSliceFlag{
				Name:  "allow-user",
				Usage: "User children may be spawned as when running privileged. May be repeated.",
			},
			&cli.StringFlag{
				Name:  "http",
				Usage: "Optional listen address for the diagnostics HTTP server.",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(ctx *cli.Context) error {
	// Lead our own process group: children join it, the shutdown
	// sequencer signals it as a whole, and kill(-1, ...) stays forbidden.
	_ = unix.Setpgid(0, 0)

	logger, err := zap.NewDevelopment()
	if err != nil {
		return cli.Exit(fmt.Sprintf("building logger: %s", err), supervisor.ExitUsage)
	}
	logger = logger.WithOptions(zap.IncreaseLevel(levelFor(ctx.Int("debug"))))
	log := logger.Sugar()

	opts := []supervisor.Option{
		supervisor.WithLogger(logger),
		supervisor.WithAlarm(time.Duration(ctx.Int("alarm")) * time.Second),
	}

	if os.Getuid() == 0 {
		runAs := ctx.String("user")
		if runAs == "" {
			return cli.Exit(`when running as root, "-user User" option must be provided`, supervisor.ExitUserRequired)
		}
		if code, err := supervisor.DropPrivileges(log, runAs); err != nil {
			return cli.Exit(err.Error(), code)
		}
		opts = append(opts, supervisor.WithSuperuser(ctx.StringSlice("allow-user")...))
	}

	in, out := os.Stdin, os.Stdout
	if ctx.Bool("n") {
		in = os.NewFile(3, "host-read")
		out = os.NewFile(4, "host-write")
	}
	codec := proto.NewCodec(log, in, out)

	sup, err := supervisor.New(codec, opts...)
	if err != nil {
		return cli.Exit(fmt.Sprintf("cannot open %s: %s", os.DevNull, err), supervisor.ExitDevNull)
	}

	if addr := ctx.String("http"); addr != "" {
		diag := supervisor.NewDiagServer(log, sup, addr)
		go func() {
			if err := diag.Run(); err != nil {
				log.Warnf("diagnostics server failed: %s", err)
			}
		}()
		defer diag.Stop()
	}

	if code := sup.Run(); code != supervisor.ExitClean {
		return cli.Exit("", code)
	}
	return nil
}

func levelFor(debug int) zapcore.Level {
	switch {
	case debug >= 2:
		return zapcore.DebugLevel
	case debug == 1:
		return zapcore.InfoLevel
	default:
		return zapcore.WarnLevel
	}
}
