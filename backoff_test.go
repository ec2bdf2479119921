package rnaqueue_test

import (
	"time"

	"github.com/lovelumine/rnaqueue"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Retry delay", func() {
	It("grows linearly by default", func() {
		def := rnaqueue.TaskDefinition[Sum]{RetryDelay: 5 * time.Second}
		Expect(def.RetryDelayFor(1)).To(Equal(5 * time.Second))
		Expect(def.RetryDelayFor(2)).To(Equal(10 * time.Second))
		Expect(def.RetryDelayFor(5)).To(Equal(25 * time.Second))
	})

	It("treats retry 0 as the first retry", func() {
		def := rnaqueue.TaskDefinition[Sum]{RetryDelay: time.Second}
		Expect(def.RetryDelayFor(0)).To(Equal(time.Second))
	})

	It("doubles for exponential backoff and stays under the jitter bound", func() {
		def := rnaqueue.TaskDefinition[Sum]{
			RetryStrategy: rnaqueue.ExponentialBackoff,
			RetryDelay:    time.Second,
			RetryJitter:   100 * time.Millisecond,
		}
		for n, base := range map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 4: 8 * time.Second} {
			d := def.RetryDelayFor(n)
			Expect(d).To(BeNumerically(">=", base))
			Expect(d).To(BeNumerically("<", base+100*time.Millisecond))
		}
		Expect(def.RetryDelayFor(1000)).To(BeNumerically(">", 0))
	})

	It("uses the custom function when one is given", func() {
		def := rnaqueue.TaskDefinition[Sum]{
			RetryStrategy:       rnaqueue.Custom,
			RetryDelay:          time.Second,
			CustomRetryFunction: func(n int) time.Duration { return time.Duration(n) * time.Minute },
		}
		Expect(def.RetryDelayFor(3)).To(Equal(3 * time.Minute))

		def.CustomRetryFunction = nil
		Expect(def.RetryDelayFor(3)).To(Equal(3 * time.Second))
	})

	It("parses strategy names", func() {
		s, ok := rnaqueue.ParseRetryStrategy("exponential")
		Expect(ok).To(BeTrue())
		Expect(s).To(Equal(rnaqueue.ExponentialBackoff))
		s, ok = rnaqueue.ParseRetryStrategy("")
		Expect(ok).To(BeTrue())
		Expect(s).To(Equal(rnaqueue.LinearBackoff))
		_, ok = rnaqueue.ParseRetryStrategy("fibonacci")
		Expect(ok).To(BeFalse())
	})
})
