// Command visor runs a vision model against a sandboxed XFCE desktop:
// it boots the desktop container, then loops screenshot, model, action
// until the objective is done or the repetition guard gives up.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ChamsBouzaiene/visor/internal/config"
	"github.com/ChamsBouzaiene/visor/internal/executor"
	"github.com/ChamsBouzaiene/visor/internal/guard"
	"github.com/ChamsBouzaiene/visor/internal/history"
	"github.com/ChamsBouzaiene/visor/internal/logging"
	"github.com/ChamsBouzaiene/visor/internal/model"
	"github.com/ChamsBouzaiene/visor/internal/planner"
	"github.com/ChamsBouzaiene/visor/internal/providers"
	"github.com/ChamsBouzaiene/visor/internal/runner"
	"github.com/ChamsBouzaiene/visor/internal/sandbox"
	"github.com/ChamsBouzaiene/visor/internal/translate"
)

func main() {
	// Load .env if present; explicit env still wins inside godotenv.
	_ = godotenv.Load()

	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "visor: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("visor", flag.ExitOnError)
	backendFlag := fs.String("backend", "", "vision backend: fara or qwen (default from config)")
	maxSteps := fs.Int("max-steps", 0, "step budget for the run (default from config)")
	screenshotDir := fs.String("screenshot-dir", "", "save screenshots and click previews here")
	planMode := fs.Bool("plan", false, "decompose the objective into steps before running")
	noGuard := fs.Bool("no-guard", false, "disable the repetition guard")
	keepDesktop := fs.Bool("keep-desktop", true, "leave the desktop container running on exit")
	verbose := fs.Bool("v", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	objective := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if objective == "" {
		return fmt.Errorf("usage: visor [flags] <objective>")
	}

	manager, err := config.NewManager()
	if err != nil {
		return err
	}
	cfg, err := manager.Load()
	if err != nil {
		return err
	}
	cfg = config.ApplyEnv(cfg)
	if *backendFlag != "" {
		cfg.Backend = *backendFlag
	}
	if *maxSteps > 0 {
		cfg.MaxSteps = *maxSteps
	}
	if *screenshotDir != "" {
		cfg.ScreenshotDir = *screenshotDir
	}

	log := logging.New(logging.Options{Verbose: *verbose, LogFile: cfg.LogFile})
	defer logging.Sync(log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Desktop sandbox.
	sbCfg := sandbox.DefaultConfig()
	sbCfg.ContainerName = cfg.ContainerName
	sbCfg.Image = cfg.Image
	sbCfg.Resolution = cfg.Resolution
	sbCfg.ColorDepth = cfg.ColorDepth
	sbCfg.APIBaseURL = cfg.APIBaseURL

	desktop, err := sandbox.NewDesktop(sbCfg, log)
	if err != nil {
		return fmt.Errorf("docker unavailable: %w", err)
	}
	if err := desktop.Ensure(ctx); err != nil {
		return fmt.Errorf("failed to start desktop: %w", err)
	}
	if !*keepDesktop {
		defer func() {
			if err := desktop.Stop(context.Background()); err != nil {
				log.Warn("failed to stop desktop", zap.Error(err))
			}
		}()
	}

	client := sandbox.NewClient(sbCfg)
	log.Info("waiting for desktop API", zap.String("url", sbCfg.APIBaseURL))
	if err := client.WaitReady(ctx, sbCfg.ReadyTimeout); err != nil {
		return fmt.Errorf("desktop API never came up: %w", err)
	}

	// Vision backend.
	var backend model.Backend
	switch cfg.Backend {
	case "fara", "":
		backend = model.NewFaraBackend(cfg.ModelBaseURL, cfg.ModelAPIKey, cfg.ModelName)
	case "qwen":
		backend = model.NewQwenBackend(cfg.ModelBaseURL, cfg.ModelAPIKey, cfg.ModelName)
	default:
		return fmt.Errorf("unknown backend %q (want fara or qwen)", cfg.Backend)
	}

	// Optional text-LLM helpers, each behind its own env prefix.
	translator, name, err := providers.NewChatClientFromEnv("TRANSLATOR")
	if err != nil {
		log.Warn("translator disabled", zap.Error(err))
	} else if translator != nil {
		log.Info("translator enabled", zap.String("provider", name))
	}
	objective = translate.ToEnglish(ctx, translator, objective)

	// Run history database.
	dbPath := cfg.HistoryDB
	if dbPath == "" {
		dbPath = filepath.Join(filepath.Dir(manager.Path()), "runs.db")
		_ = os.MkdirAll(filepath.Dir(dbPath), 0755)
	}
	store, err := history.Open(dbPath)
	if err != nil {
		log.Warn("run history disabled", zap.Error(err))
		store = nil
	} else {
		defer store.Close()
	}

	if cfg.ScreenshotDir != "" {
		if err := os.MkdirAll(cfg.ScreenshotDir, 0755); err != nil {
			return fmt.Errorf("failed to create screenshot dir: %w", err)
		}
	}

	gcfg := guardConfig(cfg, *noGuard)
	rcfg := runnerConfig(cfg)

	r := runner.New(runner.Options{
		Backend:  backend,
		Executor: executor.New(client),
		Capturer: client,
		Guard:    gcfg,
		Config:   rcfg,
		Store:    store,
		Log:      log,
	})

	// Edits to config.json take effect at the next run boundary, so
	// guard and loop tunables can be adjusted between plan steps.
	if manager.Exists() {
		watcher, werr := config.NewWatcher(manager, func(c config.Config) {
			c = config.ApplyEnv(c)
			if *maxSteps > 0 {
				c.MaxSteps = *maxSteps
			}
			if *screenshotDir != "" {
				c.ScreenshotDir = *screenshotDir
			}
			r.SetTunables(guardConfig(c, *noGuard), runnerConfig(c))
		}, log)
		if werr != nil {
			log.Warn("config hot-reload disabled", zap.Error(werr))
		} else if werr := watcher.Start(); werr != nil {
			log.Warn("config hot-reload disabled", zap.Error(werr))
		} else {
			defer watcher.Stop()
		}
	}

	// First SIGINT stops gracefully at the next turn boundary; a second
	// one kills the process via the restored default handler.
	go func() {
		<-ctx.Done()
		r.Stop()
		cancel()
	}()

	log.Info("starting run",
		zap.String("objective", objective),
		zap.String("backend", cfg.Backend),
		zap.Int("max_steps", rcfg.MaxSteps))

	var res runner.Result
	if *planMode {
		chat, pname, perr := providers.NewChatClientFromEnv("PLANNER")
		if perr != nil {
			return fmt.Errorf("planner unavailable: %w", perr)
		}
		if chat == nil {
			return fmt.Errorf("plan mode needs PLANNER_PROVIDER and PLANNER_API_KEY")
		}
		log.Info("planner enabled", zap.String("provider", pname))

		steps, perr := planner.GeneratePlan(ctx, chat, objective)
		if perr != nil {
			return fmt.Errorf("failed to generate plan: %w", perr)
		}
		for i, s := range steps {
			fmt.Printf("  %d. %s\n", i+1, s)
		}
		res, err = r.RunPlan(ctx, steps, rcfg.MaxSteps/len(steps)+1)
	} else {
		res, err = r.Run(ctx, objective)
	}
	if err != nil {
		return err
	}

	fmt.Println(res)
	if !res.IsDone() {
		os.Exit(2)
	}
	return nil
}

func guardConfig(cfg config.Config, noGuard bool) guard.Config {
	g := guard.Defaults()
	if cfg.GuardEnabled != nil {
		g.Enabled = *cfg.GuardEnabled
	}
	if noGuard {
		g.Enabled = false
	}
	if cfg.MaxNudges > 0 {
		g.MaxNudges = cfg.MaxNudges
	}
	return g
}

func runnerConfig(cfg config.Config) runner.Config {
	return runner.Config{
		MaxSteps:        cfg.MaxSteps,
		ModelRetries:    cfg.ModelRetries,
		SettleDelay:     time.Duration(cfg.SettleDelayMS) * time.Millisecond,
		MinMargin:       cfg.MinMargin,
		ChangeThreshold: cfg.ChangeThreshold,
		HistoryWindow:   cfg.HistoryWindow,
		ScreenshotDir:   cfg.ScreenshotDir,
	}
}
