package rnaqueue_test

import (
	"context"
	"errors"

	"github.com/lovelumine/rnaqueue"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Producer", func() {
	var (
		b        *recordingBroker
		notifier *recordingNotifier
		recorder *memRecorder
		producer *rnaqueue.Producer[Sum]
	)

	BeforeEach(func() {
		b = &recordingBroker{}
		notifier = newRecordingNotifier()
		recorder = &memRecorder{}
		producer = rnaqueue.NewProducer[Sum]("sum", rnaqueue.Deps{Broker: b, Notifier: notifier, Recorder: recorder})
	})

	It("publishes a fresh task without delay", func() {
		task, err := producer.Submit(context.Background(), 42, Sum{X: 1, Y: 2})
		Expect(err).NotTo(HaveOccurred())
		Expect(task.RetryCount).To(Equal(0))
		Expect(task.Kind).To(Equal(rnaqueue.Kind("sum")))

		sent := b.Published()
		Expect(sent).To(HaveLen(1))
		Expect(sent[0].delay).To(BeZero())
		decoded, err := rnaqueue.DecodeTask[Sum](sent[0].body)
		Expect(err).NotTo(HaveOccurred())
		Expect(decoded.ID).To(Equal(task.ID))
		Expect(decoded.UserID).To(Equal(int64(42)))
		Expect(decoded.Payload).To(Equal(Sum{X: 1, Y: 2}))

		Expect(notifier.For(42)).To(Equal([]string{rnaqueue.MsgSubmitted}))
		Expect(recorder.Types()).To(Equal([]rnaqueue.EventType{rnaqueue.EventSubmitted}))
	})

	It("rejects unknown users", func() {
		_, err := producer.Submit(context.Background(), 0, Sum{})
		Expect(err).To(MatchError(rnaqueue.ErrAuthentication))
		Expect(b.Published()).To(BeEmpty())
	})

	It("rejects payloads that do not validate", func() {
		_, err := producer.Submit(context.Background(), 1, Sum{X: -1})
		Expect(errors.Is(err, rnaqueue.ErrValidation)).To(BeTrue())
		var verr *rnaqueue.ValidationError
		Expect(errors.As(err, &verr)).To(BeTrue())
		Expect(verr.Field).To(Equal("x"))
		Expect(b.Published()).To(BeEmpty())
		Expect(notifier.For(1)).To(BeEmpty())
	})

	It("surfaces broker failures", func() {
		b.err = errors.New("connection reset")
		_, err := producer.Submit(context.Background(), 1, Sum{})
		Expect(err).To(MatchError(ContainSubstring("connection reset")))
		Expect(notifier.For(1)).To(BeEmpty())
	})
})
