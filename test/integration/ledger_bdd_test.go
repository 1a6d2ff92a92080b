//go:build integration

package integration

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/aminenidae/screentime-rewards/internal/catalog"
	"github.com/aminenidae/screentime-rewards/internal/clock"
	"github.com/aminenidae/screentime-rewards/internal/domain"
	"github.com/aminenidae/screentime-rewards/internal/identity"
	"github.com/aminenidae/screentime-rewards/internal/infra"
	"github.com/aminenidae/screentime-rewards/internal/reward"
	"github.com/aminenidae/screentime-rewards/internal/usecase"
)

func logicalID(handle string) string {
	return "app-" + identity.HashHandle(handle)[:12]
}

// Both ledgers share one data directory, the way the main app and the
// observer process share the platform's app-group container.
var _ = Describe("Ledger across processes", func() {
	var (
		ctx      context.Context
		clk      *clock.FakeClock
		main     *usecase.Ledger
		observer *usecase.Ledger
	)

	start := time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)

	open := func(dir string, sink domain.BlockingSink, c *catalog.Catalog) *usecase.Ledger {
		store, err := infra.NewFileStore(dir)
		Expect(err).NotTo(HaveOccurred())
		l, err := usecase.NewLedger(usecase.Options{
			Store:    store,
			Clock:    clk,
			Location: time.UTC,
			Catalog:  c,
			Sink:     sink,
			Logger:   zap.NewNop(),
		})
		Expect(err).NotTo(HaveOccurred())
		return l
	}

	event := func(name string, elapsed time.Duration, handles ...string) domain.ThresholdEvent {
		return domain.ThresholdEvent{Name: name, Handles: handles, Elapsed: elapsed, OccurredAt: clk.Now()}
	}

	totals := func() map[string]int64 {
		snap, err := main.Snapshot(ctx, "")
		Expect(err).NotTo(HaveOccurred())
		out := map[string]int64{}
		for _, u := range snap.PerApp {
			out[u.LogicalID] = u.TotalSeconds
		}
		return out
	}

	BeforeEach(func() {
		ctx = context.Background()
		clk = clock.Fake(start)
		dir := GinkgoT().TempDir()

		c, err := catalog.New(
			catalog.App{Handle: "h-read", DisplayName: "Reader", Category: domain.CategoryLearning, PointsPerMinute: 10},
			catalog.App{Handle: "h-a", DisplayName: "Arcade", Category: domain.CategoryReward, PointsPerMinute: 5},
			catalog.App{Handle: "h-b", DisplayName: "Blocks", Category: domain.CategoryReward, PointsPerMinute: 5},
			catalog.App{Handle: "h-c", DisplayName: "Cards", Category: domain.CategoryReward, PointsPerMinute: 5},
		)
		Expect(err).NotTo(HaveOccurred())

		main = open(dir, nil, c)
		observer = open(dir, infra.NewLogSink(zap.NewNop()), c)
		_, err = main.SyncCatalog(ctx)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(main.Close()).To(Succeed())
		Expect(observer.Close()).To(Succeed())
	})

	Describe("shielded apps", func() {
		Context("when every reported app is shielded by the main process", func() {
			It("should record no usage and trace one skip per app", func() {
				for _, h := range []string{"h-a", "h-b", "h-c"} {
					changed, err := main.Block(ctx, logicalID(h))
					Expect(err).NotTo(HaveOccurred())
					Expect(changed).To(BeTrue())
				}

				result, err := observer.HandleThresholdEvent(ctx, event("reward.1", time.Minute, "h-a", "h-b", "h-c"))
				Expect(err).NotTo(HaveOccurred())
				Expect(result.SkippedBlocked).To(Equal(3))

				t := totals()
				for _, h := range []string{"h-a", "h-b", "h-c"} {
					Expect(t[logicalID(h)]).To(BeZero())
				}
				Expect(main.ErrorLog().Counts(ctx)).To(HaveKeyWithValue(domain.ActionSkipBlocked, 3))
			})
		})

		Context("when the shield is lifted", func() {
			It("should count usage again", func() {
				_, err := main.Block(ctx, logicalID("h-a"))
				Expect(err).NotTo(HaveOccurred())
				_, err = main.Unblock(ctx, logicalID("h-a"))
				Expect(err).NotTo(HaveOccurred())

				_, err = observer.HandleThresholdEvent(ctx, event("reward.1", time.Minute, "h-a"))
				Expect(err).NotTo(HaveOccurred())
				Expect(totals()).To(HaveKeyWithValue(logicalID("h-a"), int64(60)))
			})
		})
	})

	Describe("learning usage", func() {
		It("should earn points from the observer's event", func() {
			_, err := observer.HandleThresholdEvent(ctx, event("learn.1", time.Minute, "h-read"))
			Expect(err).NotTo(HaveOccurred())

			Expect(totals()).To(HaveKeyWithValue(logicalID("h-read"), int64(60)))
			l, err := main.Recompute(ctx, main.Today())
			Expect(err).NotTo(HaveOccurred())
			Expect(l.PerAppPoints).To(HaveKeyWithValue(logicalID("h-read"), int64(10)))
			Expect(l.AvailablePoints).To(Equal(int64(10)))
		})

		It("should not double count a replayed event", func() {
			ev := event("learn.1", time.Minute, "h-read")
			_, err := observer.HandleThresholdEvent(ctx, ev)
			Expect(err).NotTo(HaveOccurred())
			result, err := observer.HandleThresholdEvent(ctx, ev)
			Expect(err).NotTo(HaveOccurred())

			Expect(result.Duplicates).To(Equal(1))
			Expect(totals()).To(HaveKeyWithValue(logicalID("h-read"), int64(60)))
		})
	})

	Describe("unknown apps", func() {
		It("should give distinct handles distinct identities and totals", func() {
			_, err := observer.HandleThresholdEvent(ctx, event("misc.1", time.Minute, "h-x"))
			Expect(err).NotTo(HaveOccurred())
			clk.Advance(2 * time.Minute)
			_, err = observer.HandleThresholdEvent(ctx, event("misc.2", 2*time.Minute, "h-y"))
			Expect(err).NotTo(HaveOccurred())

			x, y := logicalID("h-x"), logicalID("h-y")
			Expect(x).NotTo(Equal(y))

			var names []string
			for _, app := range main.Apps(ctx) {
				if app.LogicalID == x || app.LogicalID == y {
					names = append(names, app.Name())
				}
			}
			Expect(names).To(ConsistOf("Unknown App", "Unknown App"))

			t := totals()
			Expect(t).To(HaveKeyWithValue(x, int64(60)))
			Expect(t).To(HaveKeyWithValue(y, int64(120)))
		})
	})

	Describe("observer health", func() {
		It("should turn unhealthy 130 seconds after the last heartbeat", func() {
			_, err := observer.Heartbeat(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(main.IsHealthy(ctx)).To(BeTrue())

			clk.Advance(130 * time.Second)
			Expect(main.IsHealthy(ctx)).To(BeFalse())
			Expect(main.Diagnostics(ctx)).To(ContainSubstring("healthy: false"))
		})
	})

	Describe("goal streak", func() {
		It("should reach seven days and reset after a missed day", func() {
			for d := 0; d < 7; d++ {
				clk.Set(start.AddDate(0, 0, d))
				_, err := observer.HandleThresholdEvent(ctx, event("learn.daily", time.Hour, "h-read"))
				Expect(err).NotTo(HaveOccurred())
			}
			snap, err := main.Snapshot(ctx, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.Streak.CurrentStreak).To(Equal(7))

			day8 := start.AddDate(0, 0, 7)
			clk.Set(day8.AddDate(0, 0, 1))
			_, err = main.Recompute(ctx, day8.Format(domain.DayLayout))
			Expect(err).NotTo(HaveOccurred())

			snap, err = main.Snapshot(ctx, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.Streak.CurrentStreak).To(BeZero())
			Expect(snap.Streak.LongestStreak).To(Equal(7))
		})
	})

	Describe("unlocking reward apps", func() {
		It("should reject an unlock that costs more than the balance", func() {
			_, err := observer.HandleThresholdEvent(ctx, event("learn.1", 10*time.Minute, "h-read"))
			Expect(err).NotTo(HaveOccurred())

			res, err := main.Unlock(ctx, logicalID("h-a"), 30)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Status).To(Equal(reward.UnlockRejectedInsufficientPoints))
			Expect(res.Cost).To(Equal(int64(150)))
			Expect(res.Available).To(Equal(int64(100)))

			l, err := main.Recompute(ctx, main.Today())
			Expect(err).NotTo(HaveOccurred())
			Expect(l.ReservedPoints).To(BeZero())
			Expect(l.AvailablePoints).To(Equal(int64(100)))
		})

		It("should keep the reservation visible to the observer", func() {
			_, err := observer.HandleThresholdEvent(ctx, event("learn.1", 10*time.Minute, "h-read"))
			Expect(err).NotTo(HaveOccurred())

			res, err := main.Unlock(ctx, logicalID("h-a"), 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Granted()).To(BeTrue())

			Expect(observer.ActiveReservations(ctx, logicalID("h-a"))).To(HaveLen(1))
			snap, err := observer.Snapshot(ctx, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.ReservedPoints).To(Equal(int64(50)))
			Expect(snap.AvailablePoints).To(Equal(int64(50)))
		})
	})
})
