package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/retracesoftware/retrace/config"
	"github.com/retracesoftware/retrace/query"
	"github.com/retracesoftware/retrace/replay"
	"github.com/retracesoftware/retrace/trace"
	"github.com/retracesoftware/retrace/version"
)

func main() {
	app := &cli.Command{
		Name:  "retrace",
		Usage: "Inspect provenance trace files",
		Commands: []*cli.Command{
			infoCommand,
			dumpCommand,
			queryCommand,
		},
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "version",
				Local: true,
				Usage: "Show version",
				Action: func(ctx context.Context, cmd *cli.Command, b bool) error {
					fmt.Println(version.Version())
					return nil
				},
			},
		},
	}
	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "retrace:", err)
		os.Exit(1)
	}
}

var infoCommand = &cli.Command{
	Name:      "info",
	Usage:     "Summarise a trace file",
	ArgsUsage: "<trace>",
	Action: func(ctx context.Context, cmd *cli.Command) error {
		path := cmd.Args().First()
		if path == "" {
			return fmt.Errorf("info: trace path required")
		}
		cfg := config.FromEnv(config.Default())
		engine, err := replay.Open(path, cfg.Logger(os.Stderr))
		if err != nil {
			return err
		}
		defer engine.Close()

		hdr := engine.Header()
		fmt.Printf("trace:    %s (%s)\n", path, humanize.Bytes(uint64(engine.Size())))
		fmt.Printf("version:  %d\n", hdr.Version)
		fmt.Printf("threads:  %d\n", hdr.ThreadCount)
		fmt.Printf("events:   %d\n", hdr.EventCount)
		fmt.Printf("codes:    %d\n", len(engine.Codes()))
		for _, code := range engine.Codes() {
			fmt.Printf("  [%d] %s (%d names)\n", code.ID, code.SourcePath, len(code.LocalNames))
		}
		return nil
	},
}

var dumpCommand = &cli.Command{
	Name:      "dump",
	Usage:     "Print every event of a trace",
	ArgsUsage: "<trace>",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "limit", Usage: "Stop after N events", Value: 0},
	},
	Action: func(ctx context.Context, cmd *cli.Command) error {
		path := cmd.Args().First()
		if path == "" {
			return fmt.Errorf("dump: trace path required")
		}
		cfg := config.FromEnv(config.Default())
		engine, err := replay.Open(path, cfg.Logger(os.Stderr))
		if err != nil {
			return err
		}
		defer engine.Close()

		limit := int(cmd.Int("limit"))
		seen := 0
		return engine.DumpEvents(func(e *trace.Event) bool {
			fmt.Println(e)
			seen++
			return limit == 0 || seen < limit
		})
	},
}

var queryCommand = &cli.Command{
	Name:      "query",
	Usage:     "Interactive query shell over a trace",
	ArgsUsage: "<trace>",
	Action: func(ctx context.Context, cmd *cli.Command) error {
		path := cmd.Args().First()
		if path == "" {
			return fmt.Errorf("query: trace path required")
		}
		cfg := config.FromEnv(config.Default())
		svc := query.NewService(cfg)
		defer svc.Close()
		session, err := svc.OpenTrace(path)
		if err != nil {
			return err
		}
		return runShell(svc, session)
	},
}
