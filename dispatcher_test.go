package rnaqueue_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lovelumine/rnaqueue"
	"github.com/lovelumine/rnaqueue/broker"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

const sumKind rnaqueue.Kind = "sum"

var _ = Describe("Dispatcher", func() {
	var (
		ctx         context.Context
		b           *recordingBroker
		coordinator *memCoordinator
		notifier    *recordingNotifier
		store       *memStore
		recorder    *memRecorder
		processor   rnaqueue.ProcessorFunc[Sum]
	)

	newDispatcher := func(mutate ...func(*rnaqueue.TaskDefinition[Sum])) *rnaqueue.Dispatcher[Sum] {
		def := rnaqueue.TaskDefinition[Sum]{
			Kind:       sumKind,
			Processor:  processor,
			MaxRetries: 5,
			RetryDelay: 5 * time.Second,
		}
		for _, m := range mutate {
			m(&def)
		}
		d, err := rnaqueue.NewDispatcher(def, rnaqueue.Deps{
			Broker:      b,
			Coordinator: coordinator,
			Notifier:    notifier,
			Store:       store,
			Recorder:    recorder,
		})
		Expect(err).NotTo(HaveOccurred())
		return d
	}

	BeforeEach(func() {
		ctx = context.Background()
		b = &recordingBroker{}
		coordinator = newMemCoordinator()
		notifier = newRecordingNotifier()
		store = &memStore{}
		recorder = &memRecorder{}
		processor = func(_ context.Context, t rnaqueue.Task[Sum], p rnaqueue.Progress) (rnaqueue.Artifact, error) {
			p.Reportf("adding %d and %d", t.Payload.X, t.Payload.Y)
			return rnaqueue.Artifact{Name: "sum.txt", ContentType: "text/plain", Data: []byte("3")}, nil
		}
	})

	Describe("construction", func() {
		It("needs a kind, a processor, a broker and a coordinator", func() {
			_, err := rnaqueue.NewDispatcher(rnaqueue.TaskDefinition[Sum]{Processor: processor}, rnaqueue.Deps{Broker: b, Coordinator: coordinator})
			Expect(err).To(HaveOccurred())
			_, err = rnaqueue.NewDispatcher(rnaqueue.TaskDefinition[Sum]{Kind: sumKind}, rnaqueue.Deps{Broker: b, Coordinator: coordinator})
			Expect(err).To(HaveOccurred())
			_, err = rnaqueue.NewDispatcher(rnaqueue.TaskDefinition[Sum]{Kind: sumKind, Processor: processor}, rnaqueue.Deps{})
			Expect(err).To(HaveOccurred())
		})
	})

	Context("when the user's lock is free", func() {
		It("runs the processor, stores the artifact and releases the lock", func() {
			d := newDispatcher()
			task := rnaqueue.NewTask(7, sumKind, Sum{X: 1, Y: 2})
			d.HandleDelivery(ctx, delivery(task))

			msgs := notifier.For(7)
			Expect(msgs).To(HaveLen(4))
			Expect(msgs[0]).To(Equal(rnaqueue.MsgQueued(1)))
			Expect(msgs[1]).To(Equal(rnaqueue.MsgStarted))
			Expect(msgs[2]).To(Equal("adding 1 and 2"))
			Expect(msgs[3]).To(HavePrefix("task completed: http://minio:9000/trna/7-"))
			Expect(msgs[3]).To(HaveSuffix("-sum.txt"))

			Expect(store.objects).To(HaveLen(1))
			Expect(coordinator.Held(sumKind, 7)).To(BeFalse())
			Expect(coordinator.released).To(Equal(1))
			Expect(coordinator.List(sumKind)).To(BeEmpty())
			Expect(b.Published()).To(BeEmpty())
			Expect(d.InFlight()).To(BeZero())
			Expect(recorder.Types()).To(Equal([]rnaqueue.EventType{
				rnaqueue.EventQueued, rnaqueue.EventStarted, rnaqueue.EventCompleted,
			}))
		})

		It("reports a URL the processor already stored", func() {
			processor = func(context.Context, rnaqueue.Task[Sum], rnaqueue.Progress) (rnaqueue.Artifact, error) {
				return rnaqueue.Artifact{URL: "http://compute/out.h5"}, nil
			}
			newDispatcher().HandleDelivery(ctx, delivery(rnaqueue.NewTask(7, sumKind, Sum{})))
			Expect(notifier.For(7)).To(ContainElement(rnaqueue.MsgCompleted("http://compute/out.h5")))
			Expect(store.objects).To(BeEmpty())
		})

		It("releases the lock and reports once when the processor fails", func() {
			processor = func(context.Context, rnaqueue.Task[Sum], rnaqueue.Progress) (rnaqueue.Artifact, error) {
				return rnaqueue.Artifact{}, errors.New("cmbuild exited with code 1")
			}
			newDispatcher().HandleDelivery(ctx, delivery(rnaqueue.NewTask(7, sumKind, Sum{})))

			msgs := notifier.For(7)
			Expect(msgs[len(msgs)-1]).To(ContainSubstring("cmbuild exited with code 1"))
			Expect(terminal(msgs)).To(Equal(1))
			Expect(coordinator.Held(sumKind, 7)).To(BeFalse())
			Expect(b.Published()).To(BeEmpty(), "processor failures are not retried")
		})

		It("releases the lock when the processor panics", func() {
			processor = func(context.Context, rnaqueue.Task[Sum], rnaqueue.Progress) (rnaqueue.Artifact, error) {
				var m map[string]int
				m["boom"]++
				return rnaqueue.Artifact{}, nil
			}
			d := newDispatcher()
			Expect(func() { d.HandleDelivery(ctx, delivery(rnaqueue.NewTask(7, sumKind, Sum{}))) }).NotTo(Panic())
			msgs := notifier.For(7)
			Expect(msgs[len(msgs)-1]).To(ContainSubstring("panic"))
			Expect(terminal(msgs)).To(Equal(1))
			Expect(coordinator.Held(sumKind, 7)).To(BeFalse())
			Expect(d.InFlight()).To(BeZero())
		})

		It("fails the task when the artifact cannot be stored", func() {
			store.err = errors.New("bucket missing")
			newDispatcher().HandleDelivery(ctx, delivery(rnaqueue.NewTask(7, sumKind, Sum{})))
			msgs := notifier.For(7)
			Expect(msgs[len(msgs)-1]).To(ContainSubstring(rnaqueue.ErrStorage.Error()))
			Expect(coordinator.Held(sumKind, 7)).To(BeFalse())
		})

		It("bounds the processor with the configured timeout", func() {
			processor = func(ctx context.Context, _ rnaqueue.Task[Sum], _ rnaqueue.Progress) (rnaqueue.Artifact, error) {
				<-ctx.Done()
				return rnaqueue.Artifact{}, ctx.Err()
			}
			d := newDispatcher(func(def *rnaqueue.TaskDefinition[Sum]) { def.Timeout = 20 * time.Millisecond })
			d.HandleDelivery(ctx, delivery(rnaqueue.NewTask(7, sumKind, Sum{})))
			msgs := notifier.For(7)
			Expect(msgs[len(msgs)-1]).To(ContainSubstring("deadline exceeded"))
			Expect(coordinator.Held(sumKind, 7)).To(BeFalse())
		})

		It("still reports completion when the consume ctx is cancelled meanwhile", func() {
			notifier.dropCancelled = true
			cctx, cancel := context.WithCancel(ctx)
			defer cancel()
			processor = func(context.Context, rnaqueue.Task[Sum], rnaqueue.Progress) (rnaqueue.Artifact, error) {
				cancel()
				return rnaqueue.Artifact{URL: "http://compute/out"}, nil
			}
			newDispatcher().HandleDelivery(cctx, delivery(rnaqueue.NewTask(7, sumKind, Sum{})))

			msgs := notifier.For(7)
			Expect(msgs).To(HaveLen(3))
			Expect(msgs[2]).To(Equal(rnaqueue.MsgCompleted("http://compute/out")))
			Expect(recorder.Types()).To(ContainElement(rnaqueue.EventCompleted))
			Expect(coordinator.Held(sumKind, 7)).To(BeFalse())
		})

		It("locks per kind, so other kinds of the same user still run", func() {
			coordinator.hold("other", 7)
			newDispatcher().HandleDelivery(ctx, delivery(rnaqueue.NewTask(7, sumKind, Sum{})))
			Expect(notifier.For(7)).To(ContainElement(rnaqueue.MsgStarted))
			Expect(b.Published()).To(BeEmpty())
		})
	})

	Context("when the user already has a task running", func() {
		BeforeEach(func() {
			coordinator.hold(sumKind, 7)
		})

		It("re-publishes with retryCount+1 after the linear delay", func() {
			task := rnaqueue.NewTask(7, sumKind, Sum{X: 4})
			newDispatcher().HandleDelivery(ctx, delivery(task))

			sent := b.Published()
			Expect(sent).To(HaveLen(1))
			Expect(sent[0].kind).To(Equal(sumKind))
			Expect(sent[0].delay).To(Equal(5 * time.Second))
			again, err := rnaqueue.DecodeTask[Sum](sent[0].body)
			Expect(err).NotTo(HaveOccurred())
			Expect(again.ID).To(Equal(task.ID))
			Expect(again.RetryCount).To(Equal(1))
			Expect(again.Payload).To(Equal(task.Payload))

			msgs := notifier.For(7)
			Expect(msgs).To(Equal([]string{
				rnaqueue.MsgQueued(1),
				rnaqueue.MsgRequeued(1, 5, 5*time.Second, 1),
			}))
			Expect(coordinator.List(sumKind)).To(Equal([]int64{7}), "position kept while waiting")
		})

		It("re-publishes exactly maxRetries times and then abandons", func() {
			d := newDispatcher()
			next := delivery(rnaqueue.NewTask(7, sumKind, Sum{}))
			for i := 1; i <= 5; i++ {
				d.HandleDelivery(ctx, next)
				sent := b.Published()
				Expect(sent).To(HaveLen(i))
				Expect(sent[i-1].delay).To(Equal(time.Duration(i) * 5 * time.Second))
				next = rnaqueue.Delivery{Body: sent[i-1].body, Delay: sent[i-1].delay}
			}
			d.HandleDelivery(ctx, next)

			Expect(b.Published()).To(HaveLen(5))
			msgs := notifier.For(7)
			Expect(msgs[len(msgs)-1]).To(Equal(rnaqueue.MsgAbandoned(5)))
			Expect(terminal(msgs)).To(Equal(1))
			Expect(coordinator.List(sumKind)).To(BeEmpty())
			Expect(recorder.Types()).To(ContainElement(rnaqueue.EventAbandoned))
		})

		It("abandons immediately when maxRetries is zero", func() {
			d := newDispatcher(func(def *rnaqueue.TaskDefinition[Sum]) { def.MaxRetries = 0 })
			d.HandleDelivery(ctx, delivery(rnaqueue.NewTask(7, sumKind, Sum{})))
			Expect(b.Published()).To(BeEmpty())
			Expect(notifier.For(7)).To(ContainElement(rnaqueue.MsgAbandoned(0)))
		})

		It("fails the task when the re-publish fails", func() {
			b.err = errors.New("channel closed")
			newDispatcher().HandleDelivery(ctx, delivery(rnaqueue.NewTask(7, sumKind, Sum{})))
			msgs := notifier.For(7)
			Expect(msgs[len(msgs)-1]).To(ContainSubstring("channel closed"))
			Expect(coordinator.List(sumKind)).To(BeEmpty())
		})

		It("fails the task instead of requeueing onto a closed memory broker", func() {
			mem := broker.NewMemory()
			mem.Close()
			d, err := rnaqueue.NewDispatcher(rnaqueue.TaskDefinition[Sum]{
				Kind: sumKind, Processor: processor, MaxRetries: 5, RetryDelay: 5 * time.Second,
			}, rnaqueue.Deps{Broker: mem, Coordinator: coordinator, Notifier: notifier})
			Expect(err).NotTo(HaveOccurred())

			d.HandleDelivery(ctx, delivery(rnaqueue.NewTask(7, sumKind, Sum{})))
			msgs := notifier.For(7)
			Expect(msgs[len(msgs)-1]).To(ContainSubstring(broker.ErrClosed.Error()))
			Expect(terminal(msgs)).To(Equal(1))
			Expect(mem.Pending(sumKind)).To(BeZero())
		})
	})

	It("treats an unreachable lock store as contention", func() {
		coordinator.lockErr = errors.New("dial tcp: connection refused")
		newDispatcher().HandleDelivery(ctx, delivery(rnaqueue.NewTask(7, sumKind, Sum{})))
		Expect(b.Published()).To(HaveLen(1))
		Expect(notifier.For(7)).NotTo(ContainElement(rnaqueue.MsgStarted))
	})

	It("drops bodies it cannot decode", func() {
		newDispatcher().HandleDelivery(ctx, rnaqueue.Delivery{Body: []byte("{not json")})
		Expect(b.Published()).To(BeEmpty())
		Expect(notifier.msgs).To(BeEmpty())
	})

	Describe("running on the memory broker", func() {
		It("never runs two tasks of one user at the same time", func(sctx SpecContext) {
			mem := broker.NewMemory()
			defer mem.Close()

			var running, peak, done int32
			processor = func(context.Context, rnaqueue.Task[Sum], rnaqueue.Progress) (rnaqueue.Artifact, error) {
				n := atomic.AddInt32(&running, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(50 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				atomic.AddInt32(&done, 1)
				return rnaqueue.Artifact{URL: "http://compute/result"}, nil
			}
			d, err := rnaqueue.NewDispatcher(rnaqueue.TaskDefinition[Sum]{
				Kind:        sumKind,
				Processor:   processor,
				MaxRetries:  20,
				RetryDelay:  10 * time.Millisecond,
				Concurrency: 3,
			}, rnaqueue.Deps{Broker: mem, Coordinator: coordinator, Notifier: notifier})
			Expect(err).NotTo(HaveOccurred())

			producer := rnaqueue.NewProducer[Sum](sumKind, rnaqueue.Deps{Broker: mem, Notifier: notifier})
			for i := 0; i < 3; i++ {
				_, err := producer.Submit(sctx, 7, Sum{X: i})
				Expect(err).NotTo(HaveOccurred())
			}

			runCtx, cancel := context.WithCancel(sctx)
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = d.Run(runCtx)
			}()

			Eventually(func() int32 { return atomic.LoadInt32(&done) }).
				WithTimeout(3 * time.Second).Should(Equal(int32(3)))
			cancel()
			wg.Wait()

			Expect(atomic.LoadInt32(&peak)).To(Equal(int32(1)))
			Expect(coordinator.Held(sumKind, 7)).To(BeFalse())
			Expect(coordinator.List(sumKind)).To(BeEmpty())
		}, SpecTimeout(5*time.Second))

		It("runs different users in parallel", func(sctx SpecContext) {
			mem := broker.NewMemory()
			defer mem.Close()

			release := make(chan struct{})
			var started int32
			processor = func(context.Context, rnaqueue.Task[Sum], rnaqueue.Progress) (rnaqueue.Artifact, error) {
				atomic.AddInt32(&started, 1)
				<-release
				return rnaqueue.Artifact{URL: "http://compute/result"}, nil
			}
			d, err := rnaqueue.NewDispatcher(rnaqueue.TaskDefinition[Sum]{
				Kind: sumKind, Processor: processor, Concurrency: 2,
			}, rnaqueue.Deps{Broker: mem, Coordinator: coordinator, Notifier: notifier})
			Expect(err).NotTo(HaveOccurred())

			producer := rnaqueue.NewProducer[Sum](sumKind, rnaqueue.Deps{Broker: mem, Notifier: notifier})
			_, _ = producer.Submit(sctx, 1, Sum{})
			_, _ = producer.Submit(sctx, 2, Sum{})

			runCtx, cancel := context.WithCancel(sctx)
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = d.Run(runCtx)
			}()

			Eventually(func() int32 { return atomic.LoadInt32(&started) }).
				WithTimeout(2 * time.Second).Should(Equal(int32(2)))
			Expect(d.InFlight()).To(Equal(uint64(2)))
			close(release)
			Eventually(d.InFlight).WithTimeout(2 * time.Second).Should(BeZero())
			cancel()
			wg.Wait()
		}, SpecTimeout(5*time.Second))
	})
})

// terminal counts completion, failure and abandonment messages.
func terminal(msgs []string) int {
	n := 0
	for _, m := range msgs {
		if strings.HasPrefix(m, "task completed") || strings.HasPrefix(m, "task failed") || strings.HasPrefix(m, "task abandoned") {
			n++
		}
	}
	return n
}
