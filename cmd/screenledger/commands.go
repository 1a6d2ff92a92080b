package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aminenidae/screentime-rewards/internal/clock"
	"github.com/aminenidae/screentime-rewards/internal/daemon"
	"github.com/aminenidae/screentime-rewards/internal/domain"
	"github.com/aminenidae/screentime-rewards/internal/identity"
	"github.com/aminenidae/screentime-rewards/internal/server"
	"github.com/aminenidae/screentime-rewards/internal/usecase"
)

// --- observer process ---

var observeCmd = &cobra.Command{
	Use:   "observe",
	Short: "Record one threshold event (observer process entry point)",
	Long: `Records one threshold event reported by the platform activity observer,
recomputes points, and writes a heartbeat. The event comes from flags or, with
--stdin, from a JSON object:

  {"event_name": "...", "app_handles": ["..."], "elapsed_seconds": 60,
   "occurred_at": "2026-05-02T10:00:00Z"}`,
	RunE: runObserve,
}

var heartbeatCmd = &cobra.Command{
	Use:   "heartbeat",
	Short: "Record an observer heartbeat",
	RunE:  runHeartbeat,
}

var (
	observeEvent   string
	observeHandles []string
	observeElapsed time.Duration
	observeAt      string
	observeStdin   bool
)

// eventInput is the wire form of a threshold event.
type eventInput struct {
	EventName      string    `json:"event_name"`
	AppHandles     []string  `json:"app_handles"`
	ElapsedSeconds float64   `json:"elapsed_seconds"`
	OccurredAt     time.Time `json:"occurred_at"`
}

func init() {
	observeCmd.Flags().StringVar(&observeEvent, "event", "", "Event name")
	observeCmd.Flags().StringSliceVar(&observeHandles, "handle", nil, "App handle (repeatable)")
	observeCmd.Flags().DurationVar(&observeElapsed, "elapsed", 0, "Elapsed foreground time")
	observeCmd.Flags().StringVar(&observeAt, "at", "", "Event time, RFC3339 (default now)")
	observeCmd.Flags().BoolVar(&observeStdin, "stdin", false, "Read the event as JSON from stdin")
}

func readEvent(stdin io.Reader) (domain.ThresholdEvent, error) {
	if observeStdin {
		var in eventInput
		if err := json.NewDecoder(stdin).Decode(&in); err != nil {
			return domain.ThresholdEvent{}, fmt.Errorf("failed to decode event: %w", err)
		}
		return domain.ThresholdEvent{
			Name:       in.EventName,
			Handles:    in.AppHandles,
			Elapsed:    time.Duration(in.ElapsedSeconds * float64(time.Second)),
			OccurredAt: in.OccurredAt,
		}, nil
	}

	ev := domain.ThresholdEvent{Name: observeEvent, Handles: observeHandles, Elapsed: observeElapsed}
	if observeAt != "" {
		at, err := time.Parse(time.RFC3339, observeAt)
		if err != nil {
			return ev, fmt.Errorf("invalid --at: %w", err)
		}
		ev.OccurredAt = at
	}
	return ev, nil
}

func runObserve(cmd *cobra.Command, args []string) error {
	ev, err := readEvent(cmd.InOrStdin())
	if err != nil {
		return err
	}

	a, err := openApp(roleObserver)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.ledger.HandleThresholdEvent(cmd.Context(), ev)
	if err != nil {
		a.logger.Error("threshold event partially applied", zap.Error(err))
	}
	if jsonOutput {
		if perr := printJSON(result); perr != nil {
			return perr
		}
	}
	return err
}

func runHeartbeat(cmd *cobra.Command, args []string) error {
	a, err := openApp(roleObserver)
	if err != nil {
		return err
	}
	defer a.Close()

	h, err := a.ledger.Heartbeat(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(h)
	}
	fmt.Printf("heartbeat recorded (invocations: %d)\n", h.Invocations)
	return nil
}

// --- shield ---

var shieldCmd = &cobra.Command{
	Use:   "shield",
	Short: "Manage the shield set",
}

var shieldBlockCmd = &cobra.Command{
	Use:   "block LOGICAL_ID",
	Short: "Shield an app",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runShield(cmd.Context(), args[0], true)
	},
}

var shieldUnblockCmd = &cobra.Command{
	Use:   "unblock LOGICAL_ID",
	Short: "Lift an app's shield",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runShield(cmd.Context(), args[0], false)
	},
}

var shieldListCmd = &cobra.Command{
	Use:   "list",
	Short: "List shielded apps",
	RunE:  runShieldList,
}

func init() {
	shieldCmd.AddCommand(shieldBlockCmd)
	shieldCmd.AddCommand(shieldUnblockCmd)
	shieldCmd.AddCommand(shieldListCmd)
}

func runShield(ctx context.Context, logicalID string, block bool) error {
	a, err := openApp(roleMain)
	if err != nil {
		return err
	}
	defer a.Close()

	op, verb := a.ledger.Unblock, "unblocked"
	if block {
		op, verb = a.ledger.Block, "blocked"
	}
	changed, err := op(ctx, logicalID)
	if err != nil {
		return err
	}
	if changed {
		fmt.Printf("%s %s\n", verb, logicalID)
	} else {
		fmt.Printf("%s already %s\n", logicalID, verb)
	}
	return nil
}

func runShieldList(cmd *cobra.Command, args []string) error {
	a, err := openApp(roleMain)
	if err != nil {
		return err
	}
	defer a.Close()

	state := a.ledger.Shielded(cmd.Context())
	if jsonOutput {
		return printJSON(state)
	}

	fmt.Println("\n=== Shielded Apps ===")
	if len(state.Members) == 0 {
		fmt.Println("  (none)")
	}
	apps := map[string]domain.AppIdentity{}
	for _, app := range a.ledger.Apps(cmd.Context()) {
		apps[app.LogicalID] = app
	}
	for _, id := range state.Members {
		fmt.Printf("  - %s (%s)\n", id, apps[id].Name())
	}
	fmt.Println("=====================")
	return nil
}

// --- apps ---

var appsCmd = &cobra.Command{
	Use:   "apps",
	Short: "Manage app identities and categories",
}

var appsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known apps",
	RunE:  runAppsList,
}

var appsRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register an app handle with a category and rate",
	RunE:  runAppsRegister,
}

var appsCategorizeCmd = &cobra.Command{
	Use:   "categorize LOGICAL_ID",
	Short: "Change an app's category and rate",
	Args:  cobra.ExactArgs(1),
	RunE:  runAppsCategorize,
}

var appsSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Register every app from the apps file",
	RunE:  runAppsSync,
}

var (
	appHandle   string
	appPackage  string
	appName     string
	appCategory string
	appRate     int
)

func init() {
	for _, c := range []*cobra.Command{appsRegisterCmd, appsCategorizeCmd} {
		c.Flags().StringVar(&appCategory, "category", "learning", "learning or reward")
		c.Flags().IntVar(&appRate, "ppm", 0, "Points per minute")
	}
	appsRegisterCmd.Flags().StringVar(&appHandle, "handle", "", "Opaque app handle")
	appsRegisterCmd.Flags().StringVar(&appPackage, "package", "", "Package identifier")
	appsRegisterCmd.Flags().StringVar(&appName, "name", "", "Display name")
	_ = appsRegisterCmd.MarkFlagRequired("handle")

	appsCmd.AddCommand(appsListCmd)
	appsCmd.AddCommand(appsRegisterCmd)
	appsCmd.AddCommand(appsCategorizeCmd)
	appsCmd.AddCommand(appsSyncCmd)
}

func runAppsList(cmd *cobra.Command, args []string) error {
	a, err := openApp(roleMain)
	if err != nil {
		return err
	}
	defer a.Close()

	apps := a.ledger.Apps(cmd.Context())
	if jsonOutput {
		return printJSON(apps)
	}

	fmt.Println("\n=== Apps ===")
	for _, app := range apps {
		fmt.Printf("\n[%s] %s\n", app.LogicalID, app.Name())
		fmt.Printf("  Category: %s (%d points/min)\n", app.Category.Label(), app.PointsPerMinute)
		if app.PackageID != "" {
			fmt.Printf("  Package: %s\n", app.PackageID)
		}
		fmt.Printf("  First seen: %s\n", app.FirstSeen.Format(time.RFC3339))
	}
	fmt.Println("\n============")
	return nil
}

func runAppsRegister(cmd *cobra.Command, args []string) error {
	category, err := domain.ParseCategory(appCategory)
	if err != nil {
		return err
	}
	a, err := openApp(roleMain)
	if err != nil {
		return err
	}
	defer a.Close()

	app, err := a.ledger.RegisterApp(cmd.Context(), identity.Registration{
		Sighting:        identity.Sighting{Handle: appHandle, PackageID: appPackage, DisplayName: appName},
		Category:        category,
		PointsPerMinute: appRate,
	})
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(app)
	}
	fmt.Printf("registered %s (%s, %s, %d points/min)\n", app.LogicalID, app.Name(), app.Category.Label(), app.PointsPerMinute)
	return nil
}

func runAppsCategorize(cmd *cobra.Command, args []string) error {
	category, err := domain.ParseCategory(appCategory)
	if err != nil {
		return err
	}
	a, err := openApp(roleMain)
	if err != nil {
		return err
	}
	defer a.Close()

	app, err := a.ledger.Categorize(cmd.Context(), args[0], category, appRate)
	if err != nil {
		return err
	}
	fmt.Printf("%s is now %s at %d points/min\n", app.LogicalID, app.Category.Label(), app.PointsPerMinute)
	return nil
}

func runAppsSync(cmd *cobra.Command, args []string) error {
	a, err := openApp(roleMain)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.catalog.Len() == 0 {
		return errors.New("no apps file configured (set apps_file)")
	}
	apps, err := a.ledger.SyncCatalog(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("synced %d apps from %s\n", len(apps), a.cfg.AppsFile)
	return nil
}

// --- rewards ---

var unlockCmd = &cobra.Command{
	Use:   "unlock LOGICAL_ID",
	Short: "Spend points to unlock a reward app",
	Args:  cobra.ExactArgs(1),
	RunE:  runUnlock,
}

var consumeCmd = &cobra.Command{
	Use:   "consume RESERVATION_ID",
	Short: "Settle a reservation early",
	Args:  cobra.ExactArgs(1),
	RunE:  runConsume,
}

var unlockMinutes int

func init() {
	unlockCmd.Flags().IntVar(&unlockMinutes, "minutes", 15, "Minutes to unlock")
}

func runUnlock(cmd *cobra.Command, args []string) error {
	a, err := openApp(roleMain)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.ledger.Unlock(cmd.Context(), args[0], unlockMinutes)
	if err != nil {
		return err
	}
	if jsonOutput {
		if err := printJSON(res); err != nil {
			return err
		}
	} else if res.Granted() {
		fmt.Printf("unlocked %s for %d minutes (cost %d, %d points left)\n",
			args[0], unlockMinutes, res.Cost, res.Available)
		fmt.Printf("reservation: %s (expires %s)\n", res.Reservation.ID, res.Reservation.ExpiresAt.Format(time.Kitchen))
	}
	if !res.Granted() {
		return fmt.Errorf("unlock rejected: %s", res.Reason)
	}
	return nil
}

func runConsume(cmd *cobra.Command, args []string) error {
	a, err := openApp(roleMain)
	if err != nil {
		return err
	}
	defer a.Close()

	l, err := a.ledger.Consume(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("reservation settled (%d points available, %d reserved)\n", l.AvailablePoints, l.ReservedPoints)
	return nil
}

// --- views ---

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Show usage and points for a day",
	RunE:  runSnapshot,
}

var diagnosticsCmd = &cobra.Command{
	Use:   "diagnostics",
	Short: "Print the support diagnostics report",
	RunE:  runDiagnostics,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check observer health",
	Long:  `Shows whether the observer has reported recently and how much memory it used.`,
	RunE:  runStatus,
}

var snapshotDay string

func init() {
	snapshotCmd.Flags().StringVar(&snapshotDay, "day", "", "Day YYYY-MM-DD (default today)")
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	a, err := openApp(roleMain)
	if err != nil {
		return err
	}
	defer a.Close()

	snap, err := a.ledger.Snapshot(cmd.Context(), snapshotDay)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(snap)
	}
	printSnapshot(snap, false)
	return nil
}

func printSnapshot(snap domain.UsageSnapshot, stale bool) {
	fmt.Printf("\n=== Usage %s ===\n", snap.Day)
	if stale {
		fmt.Println("(last known snapshot, refresh timed out)")
	}
	for _, u := range snap.PerApp {
		shield := ""
		if u.Shielded {
			shield = " [shielded]"
		}
		fmt.Printf("  %-20s %-8s %10s %5d pts%s\n",
			u.DisplayName, u.Category.Label(), formatSeconds(u.TotalSeconds), u.EarnedPoints, shield)
	}
	fmt.Println()
	for _, c := range domain.Categories() {
		fmt.Printf("%s: %s\n", c.Label(), formatSeconds(snap.CategoryTotals[c]))
	}
	fmt.Printf("Points: %d available, %d reserved\n", snap.AvailablePoints, snap.ReservedPoints)
	fmt.Printf("Streak: %d days (longest %d)\n", snap.Streak.CurrentStreak, snap.Streak.LongestStreak)
	if !snap.Healthy {
		fmt.Println("Warning: observer has not reported recently")
	}
	fmt.Println("======================")
}

func runDiagnostics(cmd *cobra.Command, args []string) error {
	a, err := openApp(roleMain)
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Print(a.ledger.Diagnostics(cmd.Context()))
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp(roleMain)
	if err != nil {
		return err
	}
	defer a.Close()

	status := a.ledger.HealthStatus(cmd.Context())
	if jsonOutput {
		return printJSON(status)
	}

	fmt.Println("\n=== screenledger Status ===")
	switch {
	case !status.Initialized:
		fmt.Println("Observer: NEVER REPORTED")
	case status.Healthy:
		fmt.Println("Observer: HEALTHY")
	default:
		fmt.Println("Observer: UNHEALTHY")
	}
	if status.LastHeartbeat != nil {
		fmt.Printf("Last heartbeat: %s ago\n", status.SinceLast.Round(time.Second))
	}
	fmt.Printf("Invocations: %d\n", status.Invocations)
	fmt.Printf("Memory: %.1f MB\n", status.MemoryUsageMB)
	fmt.Printf("\nData dir: %s (%s mode)\n", a.paths.DataDir, a.paths.Mode)
	fmt.Printf("Store backend: %s\n", a.cfg.Store.Backend)
	fmt.Println("===========================")
	return nil
}

// --- refresh ---

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Ask the running server for a fresh snapshot",
	Long: `Asks "screenledger serve" to pick up observer-written data now. If the
server does not answer within --timeout, the last known snapshot is shown.`,
	RunE: runRefresh,
}

var refreshTimeout time.Duration

func init() {
	refreshCmd.Flags().DurationVar(&refreshTimeout, "timeout", 0, "Wait at most this long (default refresh.timeout)")
}

func runRefresh(cmd *cobra.Command, args []string) error {
	a, err := openApp(roleMain)
	if err != nil {
		return err
	}
	defer a.Close()

	timeout := refreshTimeout
	if timeout <= 0 {
		timeout = a.cfg.Refresh.Timeout
	}

	got, err := requestRefresh(cmd.Context(), a.cfg.Server.Addr, timeout)
	if err != nil {
		a.logger.Debug("server refresh unavailable, using local snapshot", zap.Error(err))
		snap, serr := a.ledger.Snapshot(cmd.Context(), "")
		if serr != nil {
			return serr
		}
		got = daemon.Refreshed{Snapshot: snap, Stale: true, RefreshedAt: snap.GeneratedAt}
	}

	if jsonOutput {
		return printJSON(got)
	}
	printSnapshot(got.Snapshot, got.Stale)
	return nil
}

func requestRefresh(ctx context.Context, addr string, timeout time.Duration) (daemon.Refreshed, error) {
	client := &http.Client{Timeout: timeout + time.Second}
	url := fmt.Sprintf("http://%s/v1/refresh?timeout=%s", addr, timeout)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return daemon.Refreshed{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return daemon.Refreshed{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return daemon.Refreshed{}, fmt.Errorf("refresh returned %s", resp.Status)
	}

	var got daemon.Refreshed
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		return daemon.Refreshed{}, fmt.Errorf("failed to decode refresh: %w", err)
	}
	return got, nil
}

// --- maintenance ---

var resetCmd = &cobra.Command{
	Use:   "reset LOGICAL_ID",
	Short: "Clear one app's usage for a day",
	Args:  cobra.ExactArgs(1),
	RunE:  runReset,
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete usage records older than --days",
	RunE:  runPrune,
}

var enforceCmd = &cobra.Command{
	Use:   "enforce",
	Short: "Terminate running processes of shielded apps now",
	RunE:  runEnforce,
}

var (
	resetDay  string
	pruneDays int
)

func init() {
	resetCmd.Flags().StringVar(&resetDay, "day", "", "Day YYYY-MM-DD (default today)")
	pruneCmd.Flags().IntVar(&pruneDays, "days", 90, "Keep this many days")
}

func runReset(cmd *cobra.Command, args []string) error {
	a, err := openApp(roleMain)
	if err != nil {
		return err
	}
	defer a.Close()

	day := resetDay
	if day == "" {
		day = a.ledger.Today()
	}
	if err := a.ledger.ResetUsage(cmd.Context(), args[0], day); err != nil {
		return err
	}
	fmt.Printf("usage of %s on %s cleared\n", args[0], day)
	return nil
}

func runPrune(cmd *cobra.Command, args []string) error {
	if pruneDays < 1 {
		return errors.New("--days must be at least 1")
	}
	a, err := openApp(roleMain)
	if err != nil {
		return err
	}
	defer a.Close()

	before := time.Now().AddDate(0, 0, -pruneDays)
	n, err := a.ledger.Prune(cmd.Context(), before)
	if err != nil {
		return err
	}
	fmt.Printf("pruned %d usage records\n", n)
	return nil
}

func runEnforce(cmd *cobra.Command, args []string) error {
	a, err := openApp(roleMain)
	if err != nil {
		return err
	}
	defer a.Close()

	enforcer := usecase.NewEnforcer(a.ledger, usecase.NewProcessSink(a.catalog, a.pm, a.logger), a.logger)
	results, err := enforcer.Enforce(cmd.Context())
	if err != nil {
		return fmt.Errorf("enforcement failed: %w", err)
	}

	var totalKilled int
	for _, r := range results {
		totalKilled += len(r.KilledPIDs)
		if len(r.KilledPIDs) > 0 {
			fmt.Printf("[%s] killed %d processes\n", r.LogicalID, len(r.KilledPIDs))
		}
		for _, e := range r.Errors {
			fmt.Printf("[%s] error: %v\n", r.LogicalID, e)
		}
	}
	if totalKilled == 0 {
		fmt.Println("No shielded apps running.")
	}
	return nil
}

// --- server ---

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local API with snapshot refresh and shield enforcement",
	RunE:  runServe,
}

var serveDetach bool

func init() {
	serveCmd.Flags().BoolVar(&serveDetach, "detach", false, "Run in the background")
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveDetach && !daemon.IsDetachedChild() {
		childArgs := []string{"serve"}
		if configPath != "" {
			childArgs = append(childArgs, "--config", configPath)
		}
		pid, err := daemon.StartDetached(childArgs)
		if err != nil {
			return err
		}
		fmt.Printf("screenledger serve started (pid %d)\n", pid)
		return nil
	}

	a, err := openApp(roleMain)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	enforcer := usecase.NewEnforcer(a.ledger, usecase.NewProcessSink(a.catalog, a.pm, a.logger), a.logger)
	refresher := daemon.NewRefresher(daemon.RefresherConfig{
		Interval:        a.cfg.Refresh.Interval,
		EnforceInterval: a.cfg.Refresh.EnforceInterval,
	}, a.ledger, enforcer, clock.Real(), a.logger)
	watch := daemon.NewHealthWatch(daemon.HealthWatchConfig{
		CheckInterval: a.ledger.HealthConfig().ExpectedInterval,
	}, a.ledger, a.ledger.ErrorLog(), a.logger)
	api := server.New(a.ledger, refresher, a.cfg.Refresh.Timeout, a.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return api.Serve(gctx, a.cfg.Server.Addr) })
	g.Go(func() error { return refresher.Run(gctx) })
	g.Go(func() error { return watch.Run(gctx) })

	a.logger.Info("screenledger serving",
		zap.String("addr", a.cfg.Server.Addr),
		zap.String("backend", a.cfg.Store.Backend),
		zap.String("data_dir", a.paths.DataDir))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.logger.Info("screenledger stopped")
	return nil
}
