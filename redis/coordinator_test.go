package redis_test

import (
	"context"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/lovelumine/rnaqueue/redis"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Coordinator", func() {
	var (
		ctx         context.Context
		srv         *miniredis.Miniredis
		coordinator *redis.Coordinator
	)

	BeforeEach(func() {
		ctx = context.Background()
		var client *redis.Client
		srv, client = newServer()
		coordinator = redis.NewCoordinator(client)
	})

	Describe("locks", func() {
		It("lets only one holder take a (kind, user) lock", func() {
			lock, ok, err := coordinator.TryLock(ctx, "rfam", 7, time.Hour)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(srv.Exists("lock:rfam:7")).To(BeTrue())
			Expect(srv.TTL("lock:rfam:7")).To(Equal(time.Hour))

			_, ok, err = coordinator.TryLock(ctx, "rfam", 7, time.Hour)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())

			Expect(lock.Release(ctx)).To(Succeed())
			Expect(srv.Exists("lock:rfam:7")).To(BeFalse())

			_, ok, err = coordinator.TryLock(ctx, "rfam", 7, time.Hour)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
		})

		It("keeps kinds and users apart", func() {
			_, ok, _ := coordinator.TryLock(ctx, "rfam", 7, time.Hour)
			Expect(ok).To(BeTrue())
			_, ok, _ = coordinator.TryLock(ctx, "cmbuild", 7, time.Hour)
			Expect(ok).To(BeTrue())
			_, ok, _ = coordinator.TryLock(ctx, "rfam", 8, time.Hour)
			Expect(ok).To(BeTrue())
		})

		It("does not release a lock someone else took over after expiry", func() {
			stale, ok, err := coordinator.TryLock(ctx, "rfam", 7, time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())

			srv.FastForward(2 * time.Minute)
			_, ok, err = coordinator.TryLock(ctx, "rfam", 7, time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())

			Expect(stale.Release(ctx)).To(MatchError(redis.ErrLockNotHeld))
			Expect(srv.Exists("lock:rfam:7")).To(BeTrue())
		})

		It("reports store errors", func() {
			srv.SetError("LOADING")
			_, ok, err := coordinator.TryLock(ctx, "rfam", 7, time.Hour)
			Expect(err).To(HaveOccurred())
			Expect(ok).To(BeFalse())
		})
	})

	Describe("position list", func() {
		It("appends, looks up and removes one occurrence", func() {
			for i, user := range []int64{3, 7, 3} {
				pos, err := coordinator.Enqueue(ctx, "rfam", user)
				Expect(err).NotTo(HaveOccurred())
				Expect(pos).To(Equal(i + 1))
			}
			list, err := srv.List("queue:rfamTasks")
			Expect(err).NotTo(HaveOccurred())
			Expect(list).To(Equal([]string{"3", "7", "3"}))

			Expect(coordinator.Position(ctx, "rfam", 7)).To(Equal(2))
			Expect(coordinator.Position(ctx, "rfam", 99)).To(Equal(0))

			Expect(coordinator.Dequeue(ctx, "rfam", 3)).To(Succeed())
			list, _ = srv.List("queue:rfamTasks")
			Expect(list).To(Equal([]string{"7", "3"}))
			Expect(coordinator.Position(ctx, "rfam", 7)).To(Equal(1))
		})

		It("ignores removals of absent users", func() {
			Expect(coordinator.Dequeue(ctx, "rfam", 1)).To(Succeed())
		})
	})
})
