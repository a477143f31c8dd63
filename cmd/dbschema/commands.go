package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/johndauphine/dbschema/internal/checkpoint"
	"github.com/johndauphine/dbschema/internal/config"
	"github.com/johndauphine/dbschema/internal/depgraph"
	"github.com/johndauphine/dbschema/internal/dialect"
	"github.com/johndauphine/dbschema/internal/driver"
	"github.com/johndauphine/dbschema/internal/exitcodes"
	"github.com/johndauphine/dbschema/internal/installer"
	"github.com/johndauphine/dbschema/internal/logging"
	"github.com/johndauphine/dbschema/internal/module"
	"github.com/johndauphine/dbschema/internal/notify"
	"github.com/johndauphine/dbschema/internal/orchestrator"
	"github.com/johndauphine/dbschema/internal/progress"
	"github.com/johndauphine/dbschema/internal/registry"
	"github.com/johndauphine/dbschema/internal/report"
	"github.com/johndauphine/dbschema/internal/sqlsplit"
	"github.com/johndauphine/dbschema/internal/stats"
)

func installModules(c *cli.Context) error {
	return withCoordinator(c, func(cfg *config.Config, coord *orchestrator.Coordinator, mods []module.Module) error {
		var (
			res *orchestrator.RunResult
			err error
		)
		if names := c.StringSlice("module"); len(names) > 0 {
			selected, serr := module.Select(mods, names)
			if serr != nil {
				return exitcodes.NewExitError(serr, exitcodes.ConfigError)
			}
			res = &orchestrator.RunResult{Command: orchestrator.CommandInstall}
			for _, m := range selected {
				one, oerr := coord.InstallOne(c.Context, m)
				if one != nil {
					res.RunID = one.RunID
					res.Results = append(res.Results, one.Results...)
					res.Duration += one.Duration
				}
				if oerr != nil {
					err = oerr
					break
				}
			}
		} else {
			res, err = coord.InstallAll(c.Context, mods)
		}
		if werr := coord.WriteMetrics(cfg.Run.MetricsFile); werr != nil {
			logging.Warn("writing metrics: %v", werr)
		}
		if res != nil {
			if oerr := emitRun(c, res, err); oerr != nil {
				return oerr
			}
		}
		return err
	})
}

func applyFiles(c *cli.Context) error {
	if c.NArg() == 0 {
		return exitcodes.NewExitError(errors.New("apply: at least one SQL file is required"), exitcodes.ConfigError)
	}
	return withCoordinator(c, func(cfg *config.Config, coord *orchestrator.Coordinator, _ []module.Module) error {
		var stmts []string
		for _, path := range c.Args().Slice() {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("reading %s: %w", path, err)
			}
			script := strings.TrimPrefix(string(data), "\uFEFF")
			stmts = append(stmts, sqlsplit.Split(script, cfg.Dialect())...)
		}
		logging.Info("apply: %d statement(s) from %d file(s)", len(stmts), c.NArg())

		res, err := coord.Apply(c.Context, stmts, c.Bool("dry-run"))
		if werr := coord.WriteMetrics(cfg.Run.MetricsFile); werr != nil {
			logging.Warn("writing metrics: %v", werr)
		}
		if res != nil && c.Bool("output-json") {
			if oerr := outputJSON(runOutput(res, err)); oerr != nil {
				return oerr
			}
		}
		return err
	})
}

func uninstallModule(c *cli.Context) error {
	return withCoordinator(c, func(cfg *config.Config, coord *orchestrator.Coordinator, mods []module.Module) error {
		selected, err := module.Select(mods, []string{c.String("module")})
		if err != nil {
			return exitcodes.NewExitError(err, exitcodes.ConfigError)
		}
		res, err := coord.Uninstall(c.Context, selected[0])
		if werr := coord.WriteMetrics(cfg.Run.MetricsFile); werr != nil {
			logging.Warn("writing metrics: %v", werr)
		}
		if res != nil && c.Bool("output-json") {
			if oerr := outputJSON(runOutput(res, err)); oerr != nil {
				return oerr
			}
		}
		return err
	})
}

func showStatus(c *cli.Context) error {
	return withCoordinator(c, func(cfg *config.Config, coord *orchestrator.Coordinator, mods []module.Module) error {
		st, err := coord.Status(c.Context, mods)
		if err != nil {
			return err
		}
		if c.Bool("json") || c.Bool("output-json") {
			return outputJSON(st)
		}
		report.Status(os.Stdout, st.DatabaseID, st.ServerVersion, st.Modules)
		return nil
	})
}

func healthCheck(c *cli.Context) error {
	return withCoordinator(c, func(cfg *config.Config, coord *orchestrator.Coordinator, _ []module.Module) error {
		res := coord.HealthCheck(c.Context)
		if c.Bool("output-json") {
			if err := outputJSON(res); err != nil {
				return err
			}
		} else {
			fmt.Printf("Database:  %s (%s, %s)\n", res.DatabaseID, res.Driver, orUnknown(res.ServerVersion))
			fmt.Printf("Connected: %v (%dms)\n", res.Connected, res.LatencyMs)
			fmt.Printf("Registry:  %v\n", res.RegistryExists)
			if res.Error != "" {
				fmt.Printf("Error:     %s\n", res.Error)
			}
		}
		if !res.Healthy {
			return exitcodes.NewExitError(fmt.Errorf("health check failed: %s", res.Error), exitcodes.ConnectionError)
		}
		return nil
	})
}

func showChecksums(c *cli.Context) error {
	cfg, err := loadConfig(c, false)
	if err != nil {
		return err
	}
	d, err := commandDialect(c, cfg)
	if err != nil {
		return err
	}
	mods, err := loadModules(cfg)
	if err != nil {
		return err
	}
	sorted, err := depgraph.Sort(mods)
	if err != nil {
		return err
	}

	sums := make(map[string]string, len(sorted))
	for _, m := range sorted {
		if !module.Supports(m, d) {
			continue
		}
		sum, err := moduleChecksum(m, d, cfg.Installer.ChecksumIncludeSeeds)
		if err != nil {
			return fmt.Errorf("%s: %w", m.Name(), err)
		}
		sums[m.Name()] = sum
		if !c.Bool("output-json") {
			fmt.Printf("%-32s %-10s %s\n", m.Name(), m.Version(), sum)
		}
	}
	if c.Bool("output-json") {
		return outputJSON(sums)
	}
	return nil
}

func moduleChecksum(m module.Module, d dialect.Dialect, includeSeeds bool) (string, error) {
	src, ok := m.(module.SchemaSource)
	if !ok || src.SchemaFS() == nil {
		return registry.Sum(m.Info(), d, nil)
	}
	sum, _, err := registry.Checksum(src.SchemaFS(), ".", m.Info(), d, includeSeeds)
	return sum, err
}

func splitFile(c *cli.Context) error {
	if c.NArg() != 1 {
		return exitcodes.NewExitError(errors.New("split: exactly one SQL file is required"), exitcodes.ConfigError)
	}
	cfg, err := loadConfig(c, false)
	if err != nil {
		return err
	}
	d, err := commandDialect(c, cfg)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(c.Args().First())
	if err != nil {
		return fmt.Errorf("reading %s: %w", c.Args().First(), err)
	}

	stmts := sqlsplit.Split(strings.TrimPrefix(string(data), "\uFEFF"), d)
	if c.Bool("output-json") {
		return outputJSON(stmts)
	}
	for i, stmt := range stmts {
		fmt.Printf("-- [%d]\n%s;\n\n", i+1, stmt)
	}
	return nil
}

func showHistory(c *cli.Context) error {
	cfg, err := loadConfig(c, false)
	if err != nil {
		return err
	}
	h, err := openHistory(cfg)
	if err != nil {
		return err
	}
	defer h.Close()

	if id := c.String("run"); id != "" {
		run, err := h.GetRun(id)
		if err != nil {
			return exitcodes.NewExitError(err, exitcodes.StateError)
		}
		if run == nil {
			return exitcodes.NewExitError(fmt.Errorf("run %s not found", id), exitcodes.StateError)
		}
		if c.Bool("output-json") {
			return outputJSON(run)
		}
		report.Run(os.Stdout, run)
		return nil
	}

	runs, err := h.Runs(c.Int("limit"))
	if err != nil {
		return exitcodes.NewExitError(err, exitcodes.StateError)
	}
	if c.Bool("output-json") {
		return outputJSON(runs)
	}
	report.History(os.Stdout, runs)
	return nil
}

// withCoordinator loads config and modules, connects, and hands fn a
// coordinator wired to history, notifications, metrics and progress.
func withCoordinator(c *cli.Context, fn func(cfg *config.Config, coord *orchestrator.Coordinator, mods []module.Module) error) error {
	cfg, err := loadConfig(c, true)
	if err != nil {
		return err
	}
	mods, err := loadModules(cfg)
	if err != nil {
		return err
	}
	h, err := openHistory(cfg)
	if err != nil {
		return err
	}
	defer h.Close()

	conn, err := driver.Open(c.Context, cfg.Database)
	if err != nil {
		if errors.Is(err, c.Context.Err()) {
			return err
		}
		return exitcodes.NewExitError(err, exitcodes.ConnectionError)
	}
	defer conn.Close()

	coord := orchestrator.New(conn, coordinatorOptions(c, cfg, h))
	return fn(cfg, coord, mods)
}

func coordinatorOptions(c *cli.Context, cfg *config.Config, h checkpoint.Backend) orchestrator.Options {
	opts := orchestrator.DefaultOptions()
	opts.LockTimeout = cfg.Run.LockTimeout
	opts.StatementTimeout = cfg.Run.StatementTimeout
	opts.ApplyStatementTimeout = cfg.Run.ApplyStatementTimeout
	opts.Serializable = *cfg.Run.Serializable

	opts.Installer = cfg.InstallerOptions()
	if c.IsSet("repair") {
		opts.Installer.Repair = c.Bool("repair")
	}
	opts.History = h
	opts.Notifier = notify.New(&cfg.Slack)
	opts.Metrics = stats.New()

	jsonOut := c.Bool("output-json")
	opts.Progress = progress.Options{
		Writer:      os.Stderr,
		Interactive: !jsonOut && progress.IsTerminal(os.Stderr),
	}
	if jsonOut {
		opts.Progress.Reporter = progress.NewJSONReporter(os.Stderr, 2*time.Second)
	}
	return opts
}

func loadConfig(c *cli.Context, required bool) (*config.Config, error) {
	path := c.String("config")
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && !c.IsSet("config") {
		if required {
			return nil, exitcodes.NewExitError(fmt.Errorf("configuration file not found: %s", path), exitcodes.ConfigError)
		}
		cfg := config.Default()
		applyRunFlags(c, cfg)
		return cfg, nil
	}

	cfg, err := config.LoadWithOptions(path, config.LoadOptions{EnvFile: c.String("env-file")})
	if err != nil {
		return nil, exitcodes.NewExitError(fmt.Errorf("failed to load config: %w", err), exitcodes.ConfigError)
	}
	applyRunFlags(c, cfg)
	return cfg, nil
}

func applyRunFlags(c *cli.Context, cfg *config.Config) {
	if sf := c.String("state-file"); sf != "" {
		cfg.Run.StateFile = sf
	}
	if mf := c.String("metrics-file"); mf != "" {
		cfg.Run.MetricsFile = mf
	}
}

func commandDialect(c *cli.Context, cfg *config.Config) (dialect.Dialect, error) {
	name := c.String("dialect")
	if name == "" {
		name = cfg.Database.Type
	}
	d, err := dialect.Parse(driver.Canonicalize(name))
	if err != nil {
		return "", exitcodes.NewExitError(err, exitcodes.ConfigError)
	}
	return d, nil
}

func loadModules(cfg *config.Config) ([]module.Module, error) {
	loaded, err := module.Load(os.DirFS(cfg.Modules.Dir), ".", module.Options{
		Views:    cfg.ViewOptions(true),
		TraceSQL: cfg.Installer.TraceSQL,
	})
	if err != nil {
		return nil, exitcodes.NewExitError(fmt.Errorf("loading modules from %s: %w", cfg.Modules.Dir, err), exitcodes.ConfigError)
	}
	selected, err := module.Select(loaded, cfg.Modules.Include)
	if err != nil {
		return nil, exitcodes.NewExitError(err, exitcodes.ConfigError)
	}
	mods := make([]module.Module, len(selected))
	for i, m := range selected {
		mods[i] = m
	}
	logging.Debug("loaded %d module(s) from %s", len(mods), cfg.Modules.Dir)
	return mods, nil
}

// openHistory opens the YAML state file when one is configured, otherwise
// the SQLite history under the data directory.
func openHistory(cfg *config.Config) (checkpoint.Backend, error) {
	var (
		h   checkpoint.Backend
		err error
	)
	if cfg.Run.StateFile != "" {
		h, err = checkpoint.NewFileState(cfg.Run.StateFile)
	} else {
		h, err = checkpoint.New(cfg.HistoryPath())
	}
	if err != nil {
		return nil, exitcodes.NewExitError(fmt.Errorf("opening run history: %w", err), exitcodes.StateError)
	}
	return h, nil
}

type runJSON struct {
	*orchestrator.RunResult
	Error string `json:"error,omitempty"`
}

func runOutput(res *orchestrator.RunResult, err error) runJSON {
	out := runJSON{RunResult: res}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

func emitRun(c *cli.Context, res *orchestrator.RunResult, err error) error {
	if c.Bool("output-json") {
		return outputJSON(runOutput(res, err))
	}
	if len(res.Results) > 0 {
		report.Results(os.Stdout, res.Results)
	}
	summarize(res.Results)
	return nil
}

func summarize(results []installer.Result) {
	var installed, upgraded, unchanged, failed int
	for _, r := range results {
		switch {
		case r.Err != nil:
			failed++
		case r.Action == installer.ActionInstall:
			installed++
		case r.Action == installer.ActionUpgrade:
			upgraded++
		default:
			unchanged++
		}
	}
	logging.Info("%d installed, %d upgraded, %d unchanged, %d failed", installed, upgraded, unchanged, failed)
}

func outputJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
