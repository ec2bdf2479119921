package rnaqueue_test

import (
	"context"
	"time"

	"github.com/lovelumine/rnaqueue"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("End to end flows", func() {
	var (
		ctx         context.Context
		b           *recordingBroker
		coordinator *memCoordinator
		notifier    *recordingNotifier
		deps        rnaqueue.Deps
	)

	BeforeEach(func() {
		ctx = context.Background()
		b = &recordingBroker{}
		coordinator = newMemCoordinator()
		notifier = newRecordingNotifier()
		deps = rnaqueue.Deps{Broker: b, Coordinator: coordinator, Notifier: notifier, Store: &memStore{}}
	})

	lastPublished := func() rnaqueue.Delivery {
		sent := b.Published()
		Expect(sent).NotTo(BeEmpty())
		last := sent[len(sent)-1]
		return rnaqueue.Delivery{Body: last.body, Delay: last.delay}
	}

	It("reports submitted, started, intermediate and completed in order", func() {
		proc := rnaqueue.ProcessorFunc[Sum](func(_ context.Context, _ rnaqueue.Task[Sum], p rnaqueue.Progress) (rnaqueue.Artifact, error) {
			p.Report("cmbuild: building model")
			return rnaqueue.Artifact{Name: "result.cm", Data: []byte("CM")}, nil
		})
		producer := rnaqueue.NewProducer[Sum]("cmbuild", deps)
		d, err := rnaqueue.NewDispatcher(rnaqueue.TaskDefinition[Sum]{Kind: "cmbuild", Processor: proc}, deps)
		Expect(err).NotTo(HaveOccurred())

		_, err = producer.Submit(ctx, 1, Sum{})
		Expect(err).NotTo(HaveOccurred())
		d.HandleDelivery(ctx, lastPublished())

		msgs := notifier.For(1)
		Expect(msgs[0]).To(Equal(rnaqueue.MsgSubmitted))
		Expect(msgs).To(ContainElement(rnaqueue.MsgStarted))
		Expect(indexOf(msgs, rnaqueue.MsgStarted)).To(BeNumerically("<", indexOf(msgs, "cmbuild: building model")))
		Expect(msgs[len(msgs)-1]).To(HavePrefix("task completed: "))
		Expect(msgs[len(msgs)-1]).To(HaveSuffix("-result.cm"))
	})

	It("runs a back-to-back second task after the first releases the lock", func() {
		release := make(chan struct{})
		started := make(chan struct{}, 2)
		proc := rnaqueue.ProcessorFunc[Sum](func(_ context.Context, t rnaqueue.Task[Sum], _ rnaqueue.Progress) (rnaqueue.Artifact, error) {
			started <- struct{}{}
			if t.Payload.X == 1 {
				<-release
			}
			return rnaqueue.Artifact{URL: "http://compute/onehot.h5"}, nil
		})
		producer := rnaqueue.NewProducer[Sum]("onehot", deps)
		d, err := rnaqueue.NewDispatcher(rnaqueue.TaskDefinition[Sum]{Kind: "onehot", Processor: proc}, deps)
		Expect(err).NotTo(HaveOccurred())

		_, err = producer.Submit(ctx, 2, Sum{X: 1})
		Expect(err).NotTo(HaveOccurred())
		first := lastPublished()
		_, err = producer.Submit(ctx, 2, Sum{X: 2})
		Expect(err).NotTo(HaveOccurred())
		second := lastPublished()

		done := make(chan struct{})
		go func() {
			defer GinkgoRecover()
			defer close(done)
			d.HandleDelivery(ctx, first)
		}()
		Eventually(started).Should(Receive())

		d.HandleDelivery(ctx, second)
		retried := lastPublished()
		Expect(retried.Delay).To(Equal(5 * time.Second))
		task, err := rnaqueue.DecodeTask[Sum](retried.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(task.RetryCount).To(Equal(1))
		Expect(task.Payload.X).To(Equal(2))

		close(release)
		Eventually(done).Should(BeClosed())
		Expect(coordinator.Held("onehot", 2)).To(BeFalse())

		d.HandleDelivery(ctx, retried)
		Expect(started).To(Receive())
		Expect(terminal(notifier.For(2))).To(Equal(2))
		Expect(coordinator.List("onehot")).To(BeEmpty())
	})
})

func indexOf(msgs []string, want string) int {
	for i, m := range msgs {
		if m == want {
			return i
		}
	}
	return -1
}
