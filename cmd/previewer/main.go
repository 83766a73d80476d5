package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/remotepreview/frame"
	"github.com/guseggert/remotepreview/previewer"
	"github.com/guseggert/remotepreview/project"
	"github.com/guseggert/remotepreview/source"
	"github.com/guseggert/remotepreview/supervisor"
	"github.com/guseggert/remotepreview/viewer"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

func main() {
	app := &cli.App{
		Name:  "previewer",
		Usage: "run an out-of-process markup renderer and serve its frames",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Minimum log level. One of [debug,info,warn,error].",
				Value:   "info",
				EnvVars: []string{"PREVIEWER_LOG_LEVEL"},
			},
		},
		Commands: []*cli.Command{
			runCommand,
			pushCommand,
			statusCommand,
			frameCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newLogger(ctx *cli.Context) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(ctx.String("log-level"))); err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	logger, err := zap.NewDevelopment(zap.IncreaseLevel(level))
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

var addrFlag = &cli.StringFlag{
	Name:    "addr",
	Usage:   "The address of a running previewer's HTTP server.",
	Value:   viewer.DefaultListenAddr,
	EnvVars: []string{"PREVIEWER_ADDR"},
}

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "start the renderer for a build output and serve it over HTTP",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "output-dir",
			Usage:    "The project's build output directory.",
			Required: true,
			EnvVars:  []string{"PREVIEWER_OUTPUT_DIR"},
		},
		&cli.StringFlag{
			Name:     "assembly",
			Usage:    "The assembly containing the markup, relative to the output directory.",
			Required: true,
			EnvVars:  []string{"PREVIEWER_ASSEMBLY"},
		},
		&cli.StringFlag{
			Name:    "executable",
			Usage:   "The executable assembly whose runtime config is used. Defaults to the assembly.",
			EnvVars: []string{"PREVIEWER_EXECUTABLE"},
		},
		&cli.StringFlag{
			Name:    "host-app",
			Usage:   "Path to the designer host app, or a file name to search for in the output directory and its parents.",
			Value:   project.DefaultHostApp,
			EnvVars: []string{"PREVIEWER_HOST_APP"},
		},
		&cli.StringFlag{
			Name:    "source",
			Usage:   "A markup file to watch and push to the renderer on every change.",
			EnvVars: []string{"PREVIEWER_SOURCE"},
		},
		&cli.StringFlag{
			Name:    "listen-addr",
			Usage:   "The address for the HTTP server to listen on.",
			Value:   viewer.DefaultListenAddr,
			EnvVars: []string{"PREVIEWER_LISTEN_ADDR"},
		},
		&cli.StringFlag{
			Name:    "runtime",
			Usage:   "The host runtime executable.",
			Value:   supervisor.DefaultRuntime,
			EnvVars: []string{"PREVIEWER_RUNTIME"},
		},
		&cli.Float64Flag{
			Name:    "dpi",
			Usage:   "Base DPI before scaling.",
			Value:   218,
			EnvVars: []string{"PREVIEWER_DPI"},
		},
		&cli.Float64Flag{
			Name:    "scaling",
			Usage:   "Initial preview scaling.",
			Value:   1,
			EnvVars: []string{"PREVIEWER_SCALING"},
		},
		&cli.StringFlag{
			Name:    "format",
			Usage:   "Frame image format. One of [jpeg,png,bmp].",
			Value:   string(frame.JPEG),
			EnvVars: []string{"PREVIEWER_FORMAT"},
		},
		&cli.DurationFlag{
			Name:    "connect-timeout",
			Usage:   "How long to wait for the renderer to connect. 0 waits forever.",
			Value:   previewer.DefaultConnectTimeout,
			EnvVars: []string{"PREVIEWER_CONNECT_TIMEOUT"},
		},
	},
	Action: run,
}

// crashWatcher cancels the run when the renderer crashes.
type crashWatcher struct {
	previewer.NopObserver
	cancel context.CancelCauseFunc
}

func (w *crashWatcher) OnCrashed(err *previewer.CrashError) { w.cancel(err) }

func run(ctx *cli.Context) error {
	logger, err := newLogger(ctx)
	if err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Sugar()

	format, err := frame.ParseFormat(ctx.String("format"))
	if err != nil {
		return err
	}
	outputs, err := project.OutputDir{
		Dir:        ctx.String("output-dir"),
		Assembly:   ctx.String("assembly"),
		Executable: ctx.String("executable"),
		HostApp:    ctx.String("host-app"),
	}.Resolve()
	if err != nil {
		return fmt.Errorf("resolving build outputs: %w", err)
	}

	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx, cancel := context.WithCancelCause(sigCtx)
	defer cancel(nil)

	controller, err := previewer.New(
		previewer.WithLogger(logger),
		previewer.WithRuntime(ctx.String("runtime")),
		previewer.WithDPI(ctx.Float64("dpi")),
		previewer.WithScaling(ctx.Float64("scaling")),
		previewer.WithFrameFormat(format),
		previewer.WithConnectTimeout(ctx.Duration("connect-timeout")),
		previewer.WithObserver(&crashWatcher{cancel: cancel}),
	)
	if err != nil {
		return fmt.Errorf("building previewer: %w", err)
	}

	log.Infow("starting renderer", "Assembly", outputs.AssemblyPath, "HostApp", outputs.HostAppPath)
	if err := controller.Start(runCtx, outputs.AssemblyPath, outputs.ExecutablePath, outputs.HostAppPath); err != nil {
		return fmt.Errorf("starting renderer: %w", err)
	}
	defer func() {
		if err := controller.Stop(); err != nil {
			log.Warnw("stopping renderer", "Error", err)
		}
	}()

	server, err := viewer.NewServer(controller,
		viewer.WithLogger(logger),
		viewer.WithListenAddr(ctx.String("listen-addr")),
	)
	if err != nil {
		return fmt.Errorf("building viewer: %w", err)
	}

	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(server.Run)
	group.Go(func() error {
		<-groupCtx.Done()
		return server.Stop()
	})
	if path := ctx.String("source"); path != "" {
		file, err := source.WatchFile(log, path)
		if err != nil {
			cancel(nil)
			return errors.Join(err, group.Wait())
		}
		defer file.Close()
		syncer := &source.Syncer{Log: log, Provider: file, Updater: controller}
		group.Go(func() error {
			err := syncer.Run(groupCtx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	err = group.Wait()
	if cause := context.Cause(runCtx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return err
}

var pushCommand = &cli.Command{
	Name:      "push",
	Usage:     "send markup to a running previewer",
	ArgsUsage: "<file|->",
	Flags:     []cli.Flag{addrFlag},
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return cli.Exit("expected exactly one file argument", 2)
		}
		var r io.Reader = os.Stdin
		if name := ctx.Args().First(); name != "-" {
			f, err := os.Open(name)
			if err != nil {
				return err
			}
			defer f.Close()
			r = f
		}
		text, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("reading source: %w", err)
		}

		client, err := newClient(ctx)
		if err != nil {
			return err
		}
		return client.PushSource(ctx.Context, string(text))
	},
}

var statusCommand = &cli.Command{
	Name:  "status",
	Usage: "print the status of a running previewer as JSON",
	Flags: []cli.Flag{addrFlag},
	Action: func(ctx *cli.Context) error {
		client, err := newClient(ctx)
		if err != nil {
			return err
		}
		status, err := client.Status(ctx.Context)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(ctx.App.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	},
}

var frameCommand = &cli.Command{
	Name:  "frame",
	Usage: "save the latest rendered frame",
	Flags: []cli.Flag{
		addrFlag,
		&cli.StringFlag{
			Name:     "out",
			Usage:    "The file to write the image to.",
			Required: true,
		},
	},
	Action: func(ctx *cli.Context) error {
		client, err := newClient(ctx)
		if err != nil {
			return err
		}
		img, err := client.Frame(ctx.Context)
		if err != nil {
			return err
		}
		if err := os.WriteFile(ctx.String("out"), img.Data, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(ctx.App.Writer, "frame %d (%dx%d, %s)\n", img.SequenceID, img.Width, img.Height, img.ContentType)
		return nil
	},
}

func newClient(ctx *cli.Context) (*viewer.Client, error) {
	logger, err := newLogger(ctx)
	if err != nil {
		return nil, err
	}
	client := viewer.NewClient(logger.Sugar(), ctx.String("addr"))
	waitCtx, cancel := context.WithTimeout(ctx.Context, 5*time.Second)
	defer cancel()
	if err := client.WaitForServer(waitCtx); err != nil {
		return nil, fmt.Errorf("waiting for previewer at %s: %w", ctx.String("addr"), err)
	}
	return client, nil
}
