package queueing

import (
	"math/rand"

	"github.com/sarchlab/cosim/sim"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("TimeQueue", func() {
	var q *TimeQueue[int]

	BeforeEach(func() {
		q = NewTimeQueue[int]()
	})

	It("should pop in time order", func() {
		for i := 0; i < 100; i++ {
			q.Push(sim.VTime(rand.Int63n(1000)), i)
		}

		now := sim.VTime(-1)
		for q.Len() > 0 {
			t, _, ok := q.Pop()
			Expect(ok).To(BeTrue())
			Expect(t >= now).To(BeTrue())
			now = t
		}
	})

	It("should keep push order for equal times", func() {
		q.Push(5, 1)
		q.Push(5, 2)
		q.Push(1, 0)
		q.Push(5, 3)

		order := []int{}
		for q.Len() > 0 {
			_, e, _ := q.Pop()
			order = append(order, e)
		}

		Expect(order).To(Equal([]int{0, 1, 2, 3}))
	})

	It("should only release elements up to a time", func() {
		q.Push(10, 1)
		q.Push(20, 2)

		Expect(q.NextTime()).To(Equal(sim.VTime(10)))
		Expect(q.CountUntil(15)).To(Equal(1))

		_, ok := q.PopUntil(5)
		Expect(ok).To(BeFalse())

		e, ok := q.PopUntil(15)
		Expect(ok).To(BeTrue())
		Expect(e).To(Equal(1))

		_, ok = q.PopUntil(15)
		Expect(ok).To(BeFalse())
	})

	It("should find the first time after a bound", func() {
		q.Push(10, 1)
		q.Push(30, 3)
		q.Push(20, 2)

		Expect(q.NextTimeAfter(10)).To(Equal(sim.VTime(20)))
		Expect(q.NextTimeAfter(5)).To(Equal(sim.VTime(10)))
		Expect(q.NextTimeAfter(30)).To(Equal(sim.MaxVTime))
	})

	It("should report max time when empty", func() {
		Expect(q.NextTime()).To(Equal(sim.MaxVTime))

		q.Push(1, 1)
		q.Clear()

		_, _, ok := q.Peek()
		Expect(ok).To(BeFalse())
	})
})
