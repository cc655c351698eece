package session

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/expense-tracker/internal/ingest"
)

var _ = Describe("Registry", func() {
	var (
		clock    *fakeClock
		storage  *MemoryStorage
		registry *Registry
	)

	BeforeEach(func() {
		clock = &fakeClock{now: time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)}
		storage = NewMemoryStorage()
		registry = NewRegistryWithDeps(newMockScanner(), storage, DefaultOptions(), &seqIDGenerator{}, clock)
	})

	AfterEach(func() {
		Expect(registry.Close()).To(Succeed())
	})

	It("creates sessions with fresh ids", func() {
		a := registry.Create()
		b := registry.Create()
		Expect(a.ID()).To(Equal("id-1"))
		Expect(b.ID()).To(Equal("id-2"))

		got, err := registry.Get("id-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(BeIdenticalTo(a))
	})

	It("reports unknown sessions", func() {
		_, err := registry.Get("nope")
		Expect(err).To(MatchError(ErrSessionNotFound))
		Expect(registry.Delete("nope")).To(MatchError(ErrSessionNotFound))
	})

	It("deletes a session and its files", func() {
		s := registry.Create()
		added, _ := s.AddFiles([]ingest.Upload{png("a.png")})

		Expect(registry.Delete(s.ID())).To(Succeed())
		_, err := registry.Get(s.ID())
		Expect(err).To(MatchError(ErrSessionNotFound))
		_, err = storage.Get(s.ID(), added[0].ID)
		Expect(err).To(MatchError(ErrBlobNotFound))
	})

	Describe("Sweep", func() {
		It("expires only idle sessions", func() {
			idle := registry.Create()
			clock.Advance(90 * time.Minute)
			busy := registry.Create()
			clock.Advance(40 * time.Minute)

			Expect(registry.Sweep(2 * time.Hour)).To(Equal(1))
			_, err := registry.Get(idle.ID())
			Expect(err).To(MatchError(ErrSessionNotFound))
			_, err = registry.Get(busy.ID())
			Expect(err).NotTo(HaveOccurred())
		})

		It("counts any use as activity", func() {
			s := registry.Create()
			clock.Advance(90 * time.Minute)
			s.Items()
			clock.Advance(90 * time.Minute)

			Expect(registry.Sweep(2 * time.Hour)).To(BeZero())
			Expect(registry.Len()).To(Equal(1))
		})
	})
})
