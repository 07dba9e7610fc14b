package sim

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("VTime", func() {
	It("should convert from and to seconds", func() {
		t := VTimeFromSeconds(2.5)

		Expect(t).To(Equal(VTime(2_500_000_000)))
		Expect(t.Seconds()).To(BeNumerically("~", 2.5, 1e-12))
		Expect(t.String()).To(Equal("2.5"))
	})

	It("should saturate at the bounds", func() {
		Expect(MaxVTime.Add(10)).To(Equal(MaxVTime))
		Expect(VTime(10).Add(MaxVTime)).To(Equal(MaxVTime))
		Expect((MaxVTime - 5).Add(10)).To(Equal(MaxVTime))
		Expect(MinVTime.Add(-10)).To(Equal(MinVTime))
		Expect(VTime(3).Add(4)).To(Equal(VTime(7)))
		Expect(VTimeFromSeconds(1e300)).To(Equal(MaxVTime))
	})

	It("should pick min and max", func() {
		Expect(MinTime(3, 4)).To(Equal(VTime(3)))
		Expect(MaxTime(3, 4)).To(Equal(VTime(4)))
		Expect(MaxVTime.String()).To(Equal("max"))
	})
})

var _ = Describe("GlobalID", func() {
	It("should classify federates and brokers", func() {
		fed := FederateGlobalID(3)
		broker := BrokerGlobalID(2)

		Expect(fed.IsFederate()).To(BeTrue())
		Expect(fed.IsBroker()).To(BeFalse())
		Expect(broker.IsBroker()).To(BeTrue())
		Expect(broker.IsFederate()).To(BeFalse())
		Expect(RootBrokerID.IsBroker()).To(BeTrue())
		Expect(InvalidID.IsValid()).To(BeFalse())
		Expect(fed.String()).To(Equal("fed#3"))
	})

	It("should validate handles", func() {
		h := GlobalHandle{Fed: FederateGlobalID(0), Handle: 2}

		Expect(h.IsValid()).To(BeTrue())
		Expect(GlobalHandle{Fed: InvalidID, Handle: 2}.IsValid()).To(BeFalse())
	})
})
