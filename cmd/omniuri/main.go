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
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/grokify/omniuri"
	"github.com/grokify/omniuri/config"
	"github.com/grokify/omniuri/multi"
	"github.com/grokify/omniuri/setup"
	"github.com/grokify/omniuri/sync"
	"github.com/grokify/omniuri/sync/filter"
)

var flagConfig = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Usage:   "Path to the config file (default: $XDG_CONFIG_HOME/omniuri/config.yaml)",
	EnvVars: []string{"OMNIURI_CONFIG"},
}

var flagLogLevel = &cli.StringFlag{
	Name:  "log-level",
	Usage: "Override logging.level (DEBUG, INFO, WARN, ERROR)",
}

var flagLogJSON = &cli.BoolFlag{
	Name:  "log-json",
	Usage: "Log in JSON format",
}

var flagNoLock = &cli.BoolFlag{
	Name:  "no-lock",
	Usage: "Do not take the destination lock",
}

var flagSidecar = &cli.BoolFlag{
	Name:  "sidecar",
	Usage: "Write a .md5 sidecar next to objects whose hash had to be computed",
}

func main() {
	app := &cli.App{
		Name:  "omniuri",
		Usage: "inspect, copy, sync and localize files across local, memory, S3, SFTP and HTTP storage",
		Flags: []cli.Flag{
			flagConfig,
			flagLogLevel,
			flagLogJSON,
		},
		Commands: []*cli.Command{
			{
				Name:      "stat",
				Usage:     "Print existence, size, mtime and MD5 of an identity",
				ArgsUsage: "<uri>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "skip-hash", Usage: "Do not read the object to compute a missing hash"},
					flagSidecar,
				},
				Action: withRuntime(1, func(ctx context.Context, cCtx *cli.Context, rt *setup.Runtime) error {
					md, err := resolve(rt, cCtx.Args().First()).Metadata(ctx, omniuri.MetadataOptions{
						SkipHash:          cCtx.Bool("skip-hash"),
						CreateHashSidecar: cCtx.Bool(flagSidecar.Name),
					})
					if err != nil {
						return err
					}
					return printJSON(cCtx.App.Writer, md)
				}),
			},
			{
				Name:      "cp",
				Usage:     "Copy an identity unless the destination already matches",
				ArgsUsage: "<src> <dst>",
				Flags: []cli.Flag{
					flagNoLock,
					flagSidecar,
					&cli.BoolFlag{Name: "force", Usage: "Copy even when the destination matches"},
					&cli.BoolFlag{Name: "skip-hash", Usage: "Compare without computing missing hashes"},
					&cli.DurationFlag{Name: "lock-timeout", Usage: "Give up waiting for the destination lock after this long"},
				},
				Action: withRuntime(2, func(ctx context.Context, cCtx *cli.Context, rt *setup.Runtime) error {
					src := resolve(rt, cCtx.Args().Get(0))
					out, res, err := rt.Registry.Copy(ctx, src, absolute(cCtx.Args().Get(1)), omniuri.CopyOptions{
						NoLock:            cCtx.Bool(flagNoLock.Name),
						NoChecksum:        cCtx.Bool("force"),
						SkipHash:          cCtx.Bool("skip-hash"),
						CreateHashSidecar: cCtx.Bool(flagSidecar.Name),
						Lock:              omniuri.LockOptions{Timeout: cCtx.Duration("lock-timeout")},
					})
					if err != nil {
						return err
					}
					fmt.Fprintf(cCtx.App.Writer, "%s %s\n", res, out)
					return nil
				}),
			},
			{
				Name:      "cat",
				Usage:     "Write the content of an identity to stdout",
				ArgsUsage: "<uri>",
				Action: withRuntime(1, func(ctx context.Context, cCtx *cli.Context, rt *setup.Runtime) error {
					rc, err := resolve(rt, cCtx.Args().First()).Open(ctx)
					if err != nil {
						return err
					}
					defer rc.Close()
					_, err = io.Copy(cCtx.App.Writer, rc)
					return err
				}),
			},
			{
				Name:      "write",
				Usage:     "Write stdin to one or more identities under their locks",
				ArgsUsage: "<uri> [<uri>...]",
				Flags: []cli.Flag{
					flagNoLock,
					&cli.StringFlag{Name: "mode", Value: "all", Usage: "Failure tolerance with several targets: all, best-effort, quorum"},
				},
				Action: withRuntime(-1, func(ctx context.Context, cCtx *cli.Context, rt *setup.Runtime) error {
					mode, err := multi.ParseWriteMode(cCtx.String("mode"))
					if err != nil {
						return cli.Exit(err.Error(), 2)
					}
					targets := make([]omniuri.URI, cCtx.NArg())
					for i, arg := range cCtx.Args().Slice() {
						targets[i] = resolve(rt, arg)
					}
					opts := []multi.Option{multi.WithMode(mode)}
					if cCtx.Bool(flagNoLock.Name) {
						opts = append(opts, multi.WithoutLock())
					}
					w, err := multi.NewWriter(ctx, targets, opts...)
					if err != nil {
						return err
					}
					if _, err := io.Copy(w, os.Stdin); err != nil {
						_ = w.Close()
						return err
					}
					if err := w.Close(); err != nil {
						return err
					}
					for _, err := range w.Failed() {
						rt.Logger.Warn("target not written", "error", err)
					}
					return nil
				}),
			},
			{
				Name:      "mv",
				Usage:     "Copy an identity, then remove the source",
				ArgsUsage: "<src> <dst>",
				Flags:     []cli.Flag{flagNoLock, flagSidecar},
				Action: withRuntime(2, func(ctx context.Context, cCtx *cli.Context, rt *setup.Runtime) error {
					out, res, err := resolve(rt, cCtx.Args().Get(0)).MoveTo(ctx, absolute(cCtx.Args().Get(1)), omniuri.CopyOptions{
						NoLock:            cCtx.Bool(flagNoLock.Name),
						CreateHashSidecar: cCtx.Bool(flagSidecar.Name),
					})
					if err != nil {
						return err
					}
					fmt.Fprintf(cCtx.App.Writer, "%s %s\n", res, out)
					return nil
				}),
			},
			{
				Name:      "sync",
				Usage:     "Copy every new or changed file below a directory to another directory",
				ArgsUsage: "<src-dir> <dst-dir>",
				Flags: []cli.Flag{
					flagNoLock,
					flagSidecar,
					&cli.BoolFlag{Name: "delete", Usage: "Delete destination files missing from the source"},
					&cli.BoolFlag{Name: "dry-run", Usage: "Report without copying or deleting"},
					&cli.IntFlag{Name: "workers", Value: 4, Usage: "Parallel copies"},
					&cli.StringSliceFlag{Name: "include", Usage: "Only files matching this pattern"},
					&cli.StringSliceFlag{Name: "exclude", Usage: "Skip files matching this pattern"},
					&cli.StringFlag{Name: "filter-from", Usage: "Read include (+) and exclude (-) rules from a file"},
				},
				Action: withRuntime(2, func(ctx context.Context, cCtx *cli.Context, rt *setup.Runtime) error {
					f, err := buildFilter(cCtx)
					if err != nil {
						return err
					}
					res, err := sync.Sync(ctx, resolve(rt, cCtx.Args().Get(0)), resolve(rt, cCtx.Args().Get(1)), sync.Options{
						DeleteExtra: cCtx.Bool("delete"),
						DryRun:      cCtx.Bool("dry-run"),
						Filter:      f,
						Concurrency: cCtx.Int("workers"),
						Copy: omniuri.CopyOptions{
							NoLock:            cCtx.Bool(flagNoLock.Name),
							CreateHashSidecar: cCtx.Bool(flagSidecar.Name),
						},
						Logger: rt.Logger,
					})
					if err != nil {
						return err
					}
					fmt.Fprintf(cCtx.App.Writer, "copied=%d skipped=%d deleted=%d errors=%d\n",
						res.Copied, res.Skipped, res.Deleted, len(res.Errors))
					if !res.Success() {
						return cli.Exit(errors.Join(fileErrors(res.Errors)...).Error(), 1)
					}
					return nil
				}),
			},
			{
				Name:      "check",
				Usage:     "Compare the files below two directories by content hash",
				ArgsUsage: "<src-dir> <dst-dir>",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "include", Usage: "Only files matching this pattern"},
					&cli.StringSliceFlag{Name: "exclude", Usage: "Skip files matching this pattern"},
					&cli.StringFlag{Name: "filter-from", Usage: "Read include (+) and exclude (-) rules from a file"},
				},
				Action: withRuntime(2, func(ctx context.Context, cCtx *cli.Context, rt *setup.Runtime) error {
					f, err := buildFilter(cCtx)
					if err != nil {
						return err
					}
					res, err := sync.Check(ctx, resolve(rt, cCtx.Args().Get(0)), resolve(rt, cCtx.Args().Get(1)), sync.Options{
						Filter: f,
						Logger: rt.Logger,
					})
					if err != nil {
						return err
					}
					if err := printJSON(cCtx.App.Writer, res); err != nil {
						return err
					}
					if !res.InSync() {
						return cli.Exit("", 1)
					}
					return nil
				}),
			},
			{
				Name:  "backends",
				Usage: "List the registered backends in dispatch order with their features",
				Action: withRuntime(0, func(ctx context.Context, cCtx *cli.Context, rt *setup.Runtime) error {
					type row struct {
						Tag       string           `json:"tag"`
						LocPrefix string           `json:"loc_prefix,omitempty"`
						Features  omniuri.Features `json:"features"`
					}
					var rows []row
					for _, tag := range rt.Registry.Backends() {
						feat, _ := rt.Registry.Features(tag)
						rows = append(rows, row{Tag: tag, LocPrefix: rt.Registry.LocPrefix(tag), Features: feat})
					}
					return printJSON(cCtx.App.Writer, rows)
				}),
			},
			{
				Name:      "rm",
				Usage:     "Delete an identity",
				ArgsUsage: "<uri>",
				Flags:     []cli.Flag{flagNoLock},
				Action: withRuntime(1, func(ctx context.Context, cCtx *cli.Context, rt *setup.Runtime) error {
					return resolve(rt, cCtx.Args().First()).Remove(ctx, omniuri.RemoveOptions{
						NoLock: cCtx.Bool(flagNoLock.Name),
					})
				}),
			},
			{
				Name:      "find",
				Usage:     "List every file below a directory identity",
				ArgsUsage: "<uri>",
				Action: withRuntime(1, func(ctx context.Context, cCtx *cli.Context, rt *setup.Runtime) error {
					files, err := resolve(rt, cCtx.Args().First()).FindAllFiles(ctx)
					if err != nil {
						return err
					}
					for _, f := range files {
						fmt.Fprintln(cCtx.App.Writer, f)
					}
					return nil
				}),
			},
			{
				Name:      "rmdir",
				Usage:     "Delete every file below a directory identity",
				ArgsUsage: "<uri>",
				Flags: []cli.Flag{
					flagNoLock,
					&cli.BoolFlag{Name: "dry-run", Usage: "List the files without deleting them"},
					&cli.IntFlag{Name: "workers", Usage: "Deletion worker count (default: rmdir.workers)"},
				},
				Action: withRuntime(1, func(ctx context.Context, cCtx *cli.Context, rt *setup.Runtime) error {
					res, err := resolve(rt, cCtx.Args().First()).Rmdir(ctx, omniuri.RmdirOptions{
						DryRun:  cCtx.Bool("dry-run"),
						Workers: cCtx.Int("workers"),
						NoLock:  cCtx.Bool(flagNoLock.Name),
					})
					for _, f := range res.Files {
						fmt.Fprintln(cCtx.App.Writer, f)
					}
					if err != nil {
						return err
					}
					rt.Logger.Info("rmdir done", "files", len(res.Files), "deleted", res.Deleted)
					return nil
				}),
			},
			{
				Name:      "loc",
				Usage:     "Localize an identity, rewriting references inside documents",
				ArgsUsage: "<uri>",
				Flags: []cli.Flag{
					flagNoLock,
					flagSidecar,
					&cli.StringFlag{Name: "root", Usage: "Target root identity prefix"},
					&cli.StringFlag{Name: "backend", Usage: "Target backend tag whose loc_prefix is the root"},
					&cli.BoolFlag{Name: "recursive", Aliases: []string{"r"}, Usage: "Localize referenced files too"},
				},
				Action: withRuntime(1, func(ctx context.Context, cCtx *cli.Context, rt *setup.Runtime) error {
					out, modified, err := resolve(rt, cCtx.Args().First()).Localize(ctx, omniuri.LocalizeOptions{
						TargetRoot:        cCtx.String("root"),
						TargetBackend:     cCtx.String("backend"),
						Recursive:         cCtx.Bool("recursive"),
						CreateHashSidecar: cCtx.Bool(flagSidecar.Name),
						NoLock:            cCtx.Bool(flagNoLock.Name),
					})
					if err != nil {
						return err
					}
					fmt.Fprintf(cCtx.App.Writer, "%s modified=%t\n", out, modified)
					return nil
				}),
			},
			{
				Name:      "presign",
				Usage:     "Print a temporary public URL for an identity",
				ArgsUsage: "<uri>",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "expires", Value: time.Hour, Usage: "URL lifetime"},
				},
				Action: withRuntime(1, func(ctx context.Context, cCtx *cli.Context, rt *setup.Runtime) error {
					url, err := resolve(rt, cCtx.Args().First()).PresignedURL(ctx, cCtx.Duration("expires"))
					if err != nil {
						return err
					}
					fmt.Fprintln(cCtx.App.Writer, url)
					return nil
				}),
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

type action func(ctx context.Context, cCtx *cli.Context, rt *setup.Runtime) error

// withRuntime checks the argument count (a negative nargs is a minimum),
// loads the configuration and runs
// fn with a registry that is closed afterwards.
func withRuntime(nargs int, fn action) cli.ActionFunc {
	return func(cCtx *cli.Context) error {
		switch {
		case nargs >= 0 && cCtx.NArg() != nargs:
			return cli.Exit(fmt.Sprintf("%s: expected %d argument(s), got %d", cCtx.Command.Name, nargs, cCtx.NArg()), 2)
		case nargs < 0 && cCtx.NArg() < -nargs:
			return cli.Exit(fmt.Sprintf("%s: expected at least %d argument(s), got %d", cCtx.Command.Name, -nargs, cCtx.NArg()), 2)
		}

		cfg, err := config.Load(cCtx.String(flagConfig.Name))
		if err != nil {
			return err
		}
		if lvl := cCtx.String(flagLogLevel.Name); lvl != "" {
			cfg.Logging.Level = strings.ToUpper(lvl)
		}
		if cCtx.Bool(flagLogJSON.Name) {
			cfg.Logging.Format = "json"
		}
		logger, closer, err := config.NewLogger(cfg.Logging)
		if err != nil {
			return err
		}
		defer closer.Close()

		rt, err := setup.New(cfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := rt.Close(); err != nil {
				logger.Warn("closing backends", "error", err)
			}
		}()

		ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()
		return fn(ctx, cCtx, rt)
	}
}

// resolve maps a command-line argument to a handle. Relative local paths
// are made absolute first.
func resolve(rt *setup.Runtime, arg string) omniuri.URI {
	return rt.Registry.Resolve(absolute(arg), 0)
}

func absolute(arg string) string {
	if strings.Contains(arg, "://") || filepath.IsAbs(arg) {
		return arg
	}
	abs, err := filepath.Abs(arg)
	if err != nil {
		return arg
	}
	if strings.HasSuffix(arg, "/") {
		abs += "/"
	}
	return abs
}

func buildFilter(cCtx *cli.Context) (*filter.Filter, error) {
	var opts []filter.Option
	for _, p := range cCtx.StringSlice("include") {
		opts = append(opts, filter.Include(p))
	}
	for _, p := range cCtx.StringSlice("exclude") {
		opts = append(opts, filter.Exclude(p))
	}
	if name := cCtx.String("filter-from"); name != "" {
		opt, err := filter.FromFile(name)
		if err != nil {
			return nil, err
		}
		opts = append(opts, opt)
	}
	if len(opts) == 0 {
		return nil, nil
	}
	return filter.New(opts...), nil
}

func fileErrors(fes []sync.FileError) []error {
	errs := make([]error, len(fes))
	for i, fe := range fes {
		errs[i] = fe
	}
	return errs
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
