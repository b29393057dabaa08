package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/mneme/internal"
	"github.com/starford/mneme/internal/backup"
	"github.com/starford/mneme/internal/destructive"
	"github.com/starford/mneme/internal/export"
	"github.com/starford/mneme/internal/mcpserver"
	"github.com/starford/mneme/internal/memoryservice"
	"github.com/starford/mneme/internal/models"
)

var version = "dev"

type serviceAction func(ctx context.Context, cmd *cli.Command, svc *memoryservice.Service) error

// withService opens the memory service for one command. Logs go to stderr so
// stdout stays parseable.
func withService(fn serviceAction) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		cfg, err := internal.LoadConfig(cmd.String("config"))
		if err != nil {
			return fmt.Errorf("failed to parse config: %w", err)
		}
		logger := internal.NewLogger(cfg, os.Stderr)
		slog.SetDefault(logger)
		svc, err := internal.OpenService(cfg, logger, nil)
		if err != nil {
			return err
		}
		defer svc.Close()
		return fn(ctx, cmd, svc)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func scopeOf(cmd *cli.Command) models.Scope {
	return models.Scope(cmd.String("scope"))
}

func scopeFlag(def models.Scope) *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "scope",
		Aliases: []string{"s"},
		Usage:   "project, global or all",
		Value:   string(def),
	}
}

var yesFlag = &cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "Confirm the destructive operation"}

// confirmToken runs the request step of a destructive operation in-process.
func confirmToken(cmd *cli.Command, svc *memoryservice.Service, kind destructive.Kind, scope models.Scope) (string, error) {
	if !cmd.Bool("yes") {
		return "", fmt.Errorf("%s is destructive; rerun with --yes to confirm", kind)
	}
	ticket, err := svc.RequestDestructive(kind, scope)
	if err != nil {
		return "", err
	}
	return ticket.Token, nil
}

func runIndex(ctx context.Context, cmd *cli.Command, svc *memoryservice.Service) error {
	paths := cmd.Args().Slice()
	if len(paths) == 0 {
		return errors.New("index: at least one path is required")
	}
	rep, err := svc.Index(ctx, scopeOf(cmd), paths)
	if err != nil {
		return err
	}
	return printJSON(rep)
}

func runSearch(ctx context.Context, cmd *cli.Command, svc *memoryservice.Service) error {
	hits, err := svc.Search(ctx, memoryservice.SearchRequest{
		Query:  strings.Join(cmd.Args().Slice(), " "),
		Scope:  scopeOf(cmd),
		K:      int(cmd.Int("k")),
		Filter: memoryservice.Filter{Type: models.MemoryType(cmd.String("type")), Source: cmd.String("source")},
		Hybrid: cmd.Bool("hybrid"),
	})
	if err != nil {
		return err
	}
	if cmd.Bool("json") {
		return printJSON(hits)
	}
	if len(hits) == 0 {
		fmt.Println("no results")
		return nil
	}
	for _, h := range hits {
		fmt.Printf("%.3f  [%s/%s] %s\n       %s\n", h.Score, h.Scope, h.Type, oneLine(h.Content, 100), h.Source)
	}
	return nil
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}

func runStore(ctx context.Context, cmd *cli.Command, svc *memoryservice.Service) error {
	m, err := svc.Store(ctx, memoryservice.StoreRequest{
		Content: strings.Join(cmd.Args().Slice(), " "),
		Scope:   scopeOf(cmd),
		Type:    models.MemoryType(cmd.String("type")),
		Tags:    cmd.StringSlice("tag"),
		Source:  cmd.String("source"),
	})
	if err != nil {
		return err
	}
	fmt.Printf("stored %s (%s, %s)\n", m.ID, m.Type, m.Scope)
	return nil
}

func runSync(ctx context.Context, cmd *cli.Command, svc *memoryservice.Service) error {
	reps, err := svc.Sync(ctx, scopeOf(cmd))
	if err != nil {
		return err
	}
	return printJSON(reps)
}

func runForget(ctx context.Context, cmd *cli.Command, svc *memoryservice.Service) error {
	if query := cmd.String("query"); query != "" {
		token, err := confirmToken(cmd, svc, destructive.DeleteByQuery, scopeOf(cmd))
		if err != nil {
			return err
		}
		ids, err := svc.ForgetByQuery(ctx, token, query, cmd.Float("threshold"))
		if err != nil {
			return err
		}
		fmt.Printf("deleted %d memories\n", len(ids))
		return nil
	}
	n, err := svc.Forget(ctx, scopeOf(cmd), cmd.Args().Slice())
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d memories\n", n)
	return nil
}

func runExport(ctx context.Context, cmd *cli.Command, svc *memoryservice.Service) error {
	req := memoryservice.ExportRequest{
		Scope:  scopeOf(cmd),
		Format: export.Format(cmd.String("format")),
		Output: cmd.String("output"),
	}
	for _, t := range cmd.StringSlice("type") {
		req.Types = append(req.Types, models.MemoryType(t))
	}
	doc, err := svc.Export(ctx, req)
	if err != nil {
		return err
	}
	if doc.Path != "" {
		fmt.Printf("wrote %d memories to %s\n", doc.Included, doc.Path)
		return nil
	}
	fmt.Print(doc.Content)
	return nil
}

func runBackup(ctx context.Context, cmd *cli.Command, svc *memoryservice.Service) error {
	res, err := svc.Backup(ctx, scopeOf(cmd))
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runRestore(ctx context.Context, cmd *cli.Command, svc *memoryservice.Service) error {
	if cmd.Args().Len() != 1 {
		return errors.New("restore: exactly one bundle path is required")
	}
	req := memoryservice.RestoreRequest{Path: cmd.Args().First(), Mode: backup.Mode(cmd.String("mode"))}
	if req.Mode == backup.ModeReplace {
		b, err := backup.Load(req.Path)
		if err != nil {
			return err
		}
		req.Token, err = confirmToken(cmd, svc, destructive.RestoreReplace, b.Scope)
		if err != nil {
			return err
		}
	}
	res, err := svc.Restore(ctx, req)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runReset(ctx context.Context, cmd *cli.Command, svc *memoryservice.Service) error {
	token, err := confirmToken(cmd, svc, destructive.Reset, scopeOf(cmd))
	if err != nil {
		return err
	}
	path, err := svc.Reset(ctx, token)
	if err != nil {
		return err
	}
	fmt.Printf("reset %s; backup written to %s\n", scopeOf(cmd), path)
	return nil
}

func runCapture(ctx context.Context, cmd *cli.Command, svc *memoryservice.Service) error {
	req := memoryservice.CaptureRequest{
		Paths:       cmd.Args().Slice(),
		Scope:       scopeOf(cmd),
		MaxSessions: int(cmd.Int("max-sessions")),
		DryRun:      cmd.Bool("dry-run"),
	}
	if cmd.IsSet("min-confidence") {
		v := cmd.Float("min-confidence")
		req.MinConfidence = &v
	}
	res, err := svc.Capture(ctx, req)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runStats(ctx context.Context, cmd *cli.Command, svc *memoryservice.Service) error {
	rep, err := svc.Stats(ctx, scopeOf(cmd))
	if err != nil {
		return err
	}
	return printJSON(rep)
}

func runHealth(ctx context.Context, cmd *cli.Command, svc *memoryservice.Service) error {
	rep := svc.Health(ctx)
	if err := printJSON(rep); err != nil {
		return err
	}
	if !rep.OK {
		return errors.New("unhealthy")
	}
	return nil
}

func runMCP(ctx context.Context, cmd *cli.Command, svc *memoryservice.Service) error {
	return mcpserver.New(svc, version).ServeStdio()
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	cfg, err := internal.LoadConfig(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if err := internal.Run(ctx, internal.WithConfig(cfg), internal.WithLogWriter(os.Stderr)); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}
	return nil
}

func main() {
	cmd := &cli.Command{
		Name:    "mneme",
		Usage:   "Local semantic memory: index files, store facts and search them by meaning",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("MNEME_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "index",
				Usage:     "Add files or directories to a scope and index them",
				ArgsUsage: "<path>...",
				Flags:     []cli.Flag{scopeFlag(models.ScopeProject)},
				Action:    withService(runIndex),
			},
			{
				Name:      "search",
				Usage:     "Search memories by meaning",
				ArgsUsage: "<query>",
				Flags: []cli.Flag{
					scopeFlag(models.ScopeAll),
					&cli.IntFlag{Name: "k", Usage: "Result count", Value: memoryservice.DefaultK},
					&cli.StringFlag{Name: "type", Usage: "Only this memory type"},
					&cli.StringFlag{Name: "source", Usage: "Only records from this source"},
					&cli.BoolFlag{Name: "hybrid", Usage: "Fuse keyword and vector ranking"},
					&cli.BoolFlag{Name: "json", Usage: "Print JSON"},
				},
				Action: withService(runSearch),
			},
			{
				Name:      "store",
				Usage:     "Store one memory",
				ArgsUsage: "<content>",
				Flags: []cli.Flag{
					scopeFlag(models.ScopeProject),
					&cli.StringFlag{Name: "type", Usage: "Memory type", Value: string(models.TypeContext)},
					&cli.StringSliceFlag{Name: "tag", Usage: "Tag (repeatable)"},
					&cli.StringFlag{Name: "source", Usage: "Source label", Value: memoryservice.ManualSource},
				},
				Action: withService(runStore),
			},
			{
				Name:   "sync",
				Usage:  "Re-index changed files and drop deleted ones",
				Flags:  []cli.Flag{scopeFlag(models.ScopeAll)},
				Action: withService(runSync),
			},
			{
				Name:      "forget",
				Usage:     "Delete memories by id, or by similarity with --query",
				ArgsUsage: "[id]...",
				Flags: []cli.Flag{
					scopeFlag(models.ScopeProject),
					&cli.StringFlag{Name: "query", Usage: "Delete records similar to this text"},
					&cli.FloatFlag{Name: "threshold", Usage: "Minimum similarity for --query", Value: 0.9},
					yesFlag,
				},
				Action: withService(runForget),
			},
			{
				Name:  "export",
				Usage: "Render memories as CLAUDE.md, AGENTS.md or .cursorrules",
				Flags: []cli.Flag{
					scopeFlag(models.ScopeAll),
					&cli.StringFlag{Name: "format", Aliases: []string{"f"}, Usage: "markdown, agents or cursorrules", Value: string(export.FormatMarkdown)},
					&cli.StringSliceFlag{Name: "type", Usage: "Only these memory types (repeatable)"},
					&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "Write to this file instead of stdout"},
				},
				Action: withService(runExport),
			},
			{
				Name:   "backup",
				Usage:  "Write a backup bundle per scope",
				Flags:  []cli.Flag{scopeFlag(models.ScopeAll)},
				Action: withService(runBackup),
			},
			{
				Name:      "restore",
				Usage:     "Restore a backup bundle into its scope",
				ArgsUsage: "<bundle.json>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "mode", Usage: "merge or replace", Value: string(backup.ModeMerge)},
					yesFlag,
				},
				Action: withService(runRestore),
			},
			{
				Name:   "reset",
				Usage:  "Back up and then clear a scope",
				Flags:  []cli.Flag{scopeFlag(models.ScopeProject), yesFlag},
				Action: withService(runReset),
			},
			{
				Name:      "capture",
				Usage:     "Propose and store memories from session transcripts",
				ArgsUsage: "[transcript.jsonl]...",
				Flags: []cli.Flag{
					scopeFlag(models.ScopeProject),
					&cli.FloatFlag{Name: "min-confidence", Usage: "Minimum proposal confidence"},
					&cli.IntFlag{Name: "max-sessions", Usage: "Recent sessions to scan"},
					&cli.BoolFlag{Name: "dry-run", Usage: "Only print proposals"},
				},
				Action: withService(runCapture),
			},
			{
				Name:   "stats",
				Usage:  "Show record counts and cache statistics",
				Flags:  []cli.Flag{scopeFlag(models.ScopeAll)},
				Action: withService(runStats),
			},
			{
				Name:   "health",
				Usage:  "Check the embedding backend and scope databases",
				Action: withService(runHealth),
			},
			{
				Name:   "serve",
				Usage:  "Run the HTTP API with live sync",
				Action: runServe,
			},
			{
				Name:   "mcp",
				Usage:  "Serve MCP tools over stdio",
				Action: withService(runMCP),
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
