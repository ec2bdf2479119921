package redis_test

import (
	"context"
	"errors"
	"time"

	"github.com/lovelumine/rnaqueue"
	"github.com/lovelumine/rnaqueue/redis"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Notifier", func() {
	It("forwards only the subscriber's topic", func(sctx SpecContext) {
		_, client := newServer()
		notifier := redis.NewNotifier(client, nil)

		messages, cancel, err := notifier.Subscribe(sctx, 7)
		Expect(err).NotTo(HaveOccurred())
		defer cancel()

		notifier.Notify(sctx, 8, "not yours")
		notifier.Notify(sctx, 7, rnaqueue.MsgStarted)

		Eventually(messages).WithTimeout(2 * time.Second).Should(Receive(Equal(rnaqueue.MsgStarted)))
		Consistently(messages, 200*time.Millisecond).ShouldNot(Receive())
	}, SpecTimeout(5*time.Second))

	It("closes the stream on cancel", func(sctx SpecContext) {
		_, client := newServer()
		notifier := redis.NewNotifier(client, nil)

		messages, cancel, err := notifier.Subscribe(context.Background(), 7)
		Expect(err).NotTo(HaveOccurred())
		cancel()
		cancel()
		Eventually(messages).WithTimeout(2 * time.Second).Should(BeClosed())
	}, SpecTimeout(5*time.Second))
})

var _ = Describe("TokenAuthenticator", func() {
	It("resolves issued tokens and rejects everything else", func() {
		ctx := context.Background()
		srv, client := newServer()
		auth := redis.NewTokenAuthenticator(client)

		token, err := auth.Issue(ctx, 42, time.Hour)
		Expect(err).NotTo(HaveOccurred())
		Expect(auth.Resolve(ctx, token)).To(Equal(int64(42)))
		Expect(auth.Resolve(ctx, " "+token+" ")).To(Equal(int64(42)))

		_, err = auth.Resolve(ctx, "")
		Expect(err).To(MatchError(rnaqueue.ErrAuthentication))
		_, err = auth.Resolve(ctx, "nope")
		Expect(err).To(MatchError(rnaqueue.ErrAuthentication))

		Expect(srv.Set("token:bad", "abc")).To(Succeed())
		_, err = auth.Resolve(ctx, "bad")
		Expect(err).To(MatchError(rnaqueue.ErrAuthentication))

		srv.FastForward(2 * time.Hour)
		_, err = auth.Resolve(ctx, token)
		Expect(err).To(MatchError(rnaqueue.ErrAuthentication))
	})

	It("does not report a store outage as a bad token", func() {
		srv, client := newServer()
		auth := redis.NewTokenAuthenticator(client)
		srv.Close()

		_, err := auth.Resolve(context.Background(), "abc")
		Expect(err).To(HaveOccurred())
		Expect(errors.Is(err, rnaqueue.ErrAuthentication)).To(BeFalse())
	})
})
