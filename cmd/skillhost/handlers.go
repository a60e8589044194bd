package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/skillhost/skillhost/internal/cache"
	"github.com/skillhost/skillhost/internal/config"
	"github.com/skillhost/skillhost/internal/execution"
	"github.com/skillhost/skillhost/internal/memwatch"
	"github.com/skillhost/skillhost/internal/observability"
	"github.com/skillhost/skillhost/internal/skills"
	"github.com/skillhost/skillhost/internal/usage"
	"github.com/skillhost/skillhost/internal/vars"
)

// host bundles the assembled runtime the command handlers operate on.
type host struct {
	cfg     *config.Config
	index   *skills.Index
	loader  *skills.Loader
	tracker *usage.Tracker
	store   *usage.Store
	manager *execution.Manager
	catalog *vars.Catalog
	engine  *vars.Engine
}

// loadConfig reads the config file. The default path is allowed to be
// absent; every other path must exist.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) && path == defaultConfigPath {
		return config.Default(), nil
	}
	return config.Load(path)
}

// buildHost assembles the runtime from configuration and scans the skill
// roots. Call close when done.
func buildHost(ctx context.Context, configPath string) (*host, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	logOut := os.Stderr
	if cfg.Logging.Output == "stdout" {
		logOut = os.Stdout
	}
	observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: logOut,
	}).Install()

	loadOpts := skills.LoadOptions{
		DefaultTimeoutMs: cfg.Skills.DefaultTimeoutMs,
		DefaultMemoryMb:  cfg.Skills.DefaultMemoryMb,
	}
	index := skills.NewIndex(cfg.Skills.Roots[0], loadOpts)
	for _, root := range cfg.Skills.Roots[1:] {
		index.AddRoot(root)
	}
	if err := index.Scan(ctx); err != nil {
		return nil, fmt.Errorf("scan skills: %w", err)
	}

	tiers := cache.NewTiersWith(
		cache.TierSpec{Size: cfg.Cache.Metadata.Size, TTL: cfg.Cache.Metadata.TTL},
		cache.TierSpec{Size: cfg.Cache.Content.Size, TTL: cfg.Cache.Content.TTL},
		cache.TierSpec{Size: cfg.Cache.Resources.Size, TTL: cfg.Cache.Resources.TTL},
	)
	loader := skills.NewLoader(index, tiers)

	tracker := usage.NewTracker(cfg.Usage.Window)
	var store *usage.Store
	if cfg.Usage.DatabasePath != "" {
		store, err = usage.OpenStore(cfg.Usage.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("open usage store: %w", err)
		}
		tracker.SetSink(store)
	}

	managerOpts := []execution.ManagerOption{
		execution.WithTracker(tracker),
		execution.WithLimits(cfg.Execution.MaxConcurrent, cfg.Execution.MaxQueued),
		execution.WithTimeline(observability.NewTimeline(0)),
	}
	if cfg.Execution.WorkDir != "" {
		managerOpts = append(managerOpts, execution.WithWorkDir(cfg.Execution.WorkDir))
	}
	manager := execution.NewManager(loader, managerOpts...)

	catalog := vars.NewCatalog(index)
	engine := vars.NewEngine(vars.WithCacheTTL(cfg.Variables.CacheTTL))
	for _, p := range vars.NewClockProviders(nil) {
		if err := engine.Register(p); err != nil {
			return nil, err
		}
	}
	providers := []vars.Provider{
		vars.NewEnvProvider(cfg.Variables.EnvAllowlist),
		vars.SessionProvider{},
		vars.VarProvider{},
		vars.NewToolsProvider(catalog),
	}
	for _, p := range providers {
		if err := engine.Register(p); err != nil {
			return nil, err
		}
	}

	return &host{
		cfg:     cfg,
		index:   index,
		loader:  loader,
		tracker: tracker,
		store:   store,
		manager: manager,
		catalog: catalog,
		engine:  engine,
	}, nil
}

func (h *host) close() {
	_ = h.index.Close()
	if h.store != nil {
		_ = h.store.Close()
	}
}

// =============================================================================
// Skills Command Handlers
// =============================================================================

func runSkillsList(cmd *cobra.Command, configPath string, all bool) error {
	h, err := buildHost(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer h.close()

	out := cmd.OutOrStdout()
	var list []*skills.Metadata
	if all {
		list = h.index.List()
	} else {
		list = h.index.ListEligible()
	}
	if len(list) == 0 {
		fmt.Fprintln(out, "No skills found.")
		return nil
	}

	fmt.Fprintln(out, "Skills:")
	for _, m := range list {
		status := "eligible"
		if reason := h.index.IneligibleReason(m); reason != "" {
			status = fmt.Sprintf("ineligible: %s", reason)
		}
		fmt.Fprintf(out, "  %s v%s (%s)\n", m.Name, m.Version, status)
		if m.Description != "" {
			desc := m.Description
			if len(desc) > 60 {
				desc = desc[:57] + "..."
			}
			fmt.Fprintf(out, "    %s\n", desc)
		}
	}
	return nil
}

func runSkillsShow(cmd *cobra.Command, configPath, skillName string, showContent bool) error {
	h, err := buildHost(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer h.close()

	opts := skills.LoadSkillOptions{IncludeResources: true, IncludeContent: showContent}
	skill, err := h.loader.LoadSkill(skillName, opts)
	if err != nil {
		return err
	}
	m := skill.Metadata

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Skill: %s\n", m.Name)
	fmt.Fprintln(out, strings.Repeat("=", len(m.Name)+7))
	fmt.Fprintln(out)
	if m.Description != "" {
		fmt.Fprintf(out, "Description: %s\n", m.Description)
	}
	fmt.Fprintf(out, "Version: %s\n", m.Version)
	if m.Domain != "" {
		fmt.Fprintf(out, "Domain: %s\n", m.Domain)
	}
	if len(m.Keywords) > 0 {
		fmt.Fprintf(out, "Keywords: %s\n", strings.Join(m.Keywords, ", "))
	}
	fmt.Fprintf(out, "Path: %s\n", m.Path)

	fmt.Fprintln(out, "\nSecurity:")
	fmt.Fprintf(out, "  Timeout: %s\n", usage.FormatDurationMs(int64(m.Security.TimeoutMs)))
	fmt.Fprintf(out, "  Memory: %d MB\n", m.Security.MemoryMb)
	fmt.Fprintf(out, "  Network: %s\n", m.Security.Network)
	fmt.Fprintf(out, "  Filesystem: %s\n", m.Security.Filesystem)

	if tools := m.ToolSurface(); len(tools) > 0 {
		fmt.Fprintln(out, "\nTools:")
		for _, t := range tools {
			fmt.Fprintf(out, "  - %s: %s\n", t.Name, t.Description)
		}
	}

	fmt.Fprintf(out, "\nEntry: %s\n", m.Resources.Entry)
	if skill.Resources != nil {
		if n := len(skill.Resources.References); n > 0 {
			fmt.Fprintf(out, "References: %d file(s)\n", n)
		}
	}

	if reason := h.index.IneligibleReason(m); reason != "" {
		fmt.Fprintf(out, "\nStatus: Ineligible (%s)\n", reason)
	} else {
		fmt.Fprintln(out, "\nStatus: Eligible")
	}

	if showContent && skill.Content != nil {
		fmt.Fprintln(out, "\nContent:")
		fmt.Fprintln(out, strings.Repeat("-", 40))
		fmt.Fprintln(out, skill.Content.Raw)
	}
	return nil
}

// =============================================================================
// Search / Tools Handlers
// =============================================================================

func runSearch(cmd *cobra.Command, configPath, intent string, limit int, domain string) error {
	h, err := buildHost(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer h.close()

	matches := h.index.FindRelevantSkills(intent, skills.SearchOptions{
		Limit:  limit,
		Domain: domain,
	})
	out := cmd.OutOrStdout()
	if len(matches) == 0 {
		fmt.Fprintln(out, "No matching skills.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SKILL\tCONFIDENCE\tDESCRIPTION")
	for _, match := range matches {
		fmt.Fprintf(w, "%s\t%s\t%s\n",
			match.Skill.Name,
			usage.FormatPercentage(match.Confidence*100),
			match.Skill.Description)
	}
	return w.Flush()
}

func runTools(cmd *cobra.Command, configPath, phase string) error {
	h, err := buildHost(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer h.close()

	if phase == "" {
		phase = h.catalog.AdaptivePhase()
	}
	switch phase {
	case vars.PhaseMetadata, vars.PhaseBrief, vars.PhaseFull:
	default:
		return fmt.Errorf("unknown phase %q (want metadata, brief, or full)", phase)
	}

	out := cmd.OutOrStdout()
	rendered := h.catalog.Render(phase)
	if rendered == "" {
		fmt.Fprintln(out, "No tools available.")
		return nil
	}
	fmt.Fprintf(out, "# Tool catalog (%s phase, ~%d tokens)\n\n", phase, h.catalog.TokenEstimate(phase))
	fmt.Fprintln(out, rendered)
	return nil
}

// =============================================================================
// Run / Expand / Stats Handlers
// =============================================================================

func runRun(cmd *cobra.Command, configPath, skillName, tool, paramsJSON string, timeoutMs int) error {
	h, err := buildHost(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer h.close()

	var params map[string]any
	if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
		return fmt.Errorf("invalid --params JSON: %w", err)
	}

	resp, err := h.manager.Execute(cmd.Context(), execution.Request{
		SkillName:  skillName,
		Tool:       tool,
		Parameters: params,
		TimeoutMs:  timeoutMs,
		Context:    execution.RequestMeta{Caller: "cli"},
	})
	if err != nil {
		return err
	}

	encoded, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(encoded))

	if !resp.Success && resp.Error != nil {
		return fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
	}
	return nil
}

func runExpand(cmd *cobra.Command, configPath, template, sessionID, intent string) error {
	h, err := buildHost(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer h.close()

	res := h.engine.Expand(cmd.Context(), template, vars.RequestContext{
		SessionID: sessionID,
		Intent:    intent,
	})
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, res.Text)
	if len(res.Unresolved) > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "unresolved: %s\n", strings.Join(res.Unresolved, ", "))
	}
	return nil
}

func runStats(cmd *cobra.Command, configPath string) error {
	h, err := buildHost(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer h.close()

	out := cmd.OutOrStdout()
	stats := h.index.Stats()
	fmt.Fprintf(out, "Indexed skills: %d\n", stats.TotalSkills)
	fmt.Fprintf(out, "Eligible skills: %d\n", len(h.index.ListEligible()))
	fmt.Fprintf(out, "Last indexed: %s\n", stats.LastIndexedAt.Format(time.RFC3339))

	// Live execution counters belong to long-running processes; the CLI
	// reports durable history when a database is configured.
	if h.store == nil {
		fmt.Fprintln(out, "\nNo usage database configured (usage.database_path).")
		return nil
	}

	rows, err := h.store.Recent("", 20)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintln(out, "\nNo recorded executions.")
		return nil
	}

	fmt.Fprintln(out, "\nRecent executions:")
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SKILL\tWHEN\tDURATION\tSUCCESS\tCACHE")
	hits := 0
	for _, row := range rows {
		if row.CacheHit {
			hits++
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\n",
			row.SkillName,
			row.ExecutedAt.Format(time.RFC3339),
			usage.FormatDurationMs(row.Duration.Milliseconds()),
			row.Success,
			row.CacheHit)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nCache hit rate (last %d): %s\n",
		len(rows), usage.FormatHitRate(float64(hits)/float64(len(rows))))
	return nil
}

// =============================================================================
// Serve Handler
// =============================================================================

func runServe(cmd *cobra.Command, configPath string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h, err := buildHost(ctx, configPath)
	if err != nil {
		return err
	}
	defer h.close()
	cfg := h.cfg

	if cfg.Tracing.Enabled {
		_, shutdown := observability.NewTracer(observability.TraceConfig{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: version,
			Endpoint:       cfg.Tracing.Endpoint,
			SamplingRate:   cfg.Tracing.SampleRate,
		})
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	if cfg.Skills.Watch {
		if err := h.index.Watch(ctx, 0); err != nil {
			return fmt.Errorf("watch skills: %w", err)
		}
	}

	monitor := memwatch.NewMonitor(
		memwatch.RuntimeSampler{Budget: cfg.Memory.BudgetBytes},
		memwatch.WithInterval(cfg.Memory.Interval),
		memwatch.WithThresholds(memwatch.Thresholds{
			Normal:   cfg.Memory.NormalAt,
			Moderate: cfg.Memory.ModerateAt,
			High:     cfg.Memory.HighAt,
			Critical: cfg.Memory.CriticalAt,
		}),
	)
	cleaner := memwatch.NewCleaner(h.loader.Tiers(), h.tracker)
	cleaner.Attach(monitor)
	go monitor.Run(ctx)

	if cfg.Preload.Enabled {
		preload := memwatch.NewPreloadManager(h.tracker, h.loader, monitor.Level)
		preload.SetTopK(cfg.Preload.TopK)
		h.manager.SetPreloadNoter(preload)
		go preload.Run(ctx, cfg.Preload.Interval)
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fmt.Fprintf(cmd.ErrOrStderr(), "metrics server: %v\n", err)
			}
		}()
	}

	fmt.Fprintf(cmd.OutOrStdout(), "skillhost serving %d skill(s); press Ctrl-C to stop\n",
		h.index.Stats().TotalSkills)
	<-ctx.Done()

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return nil
}
