package scanning

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// flakyScanner fails a fixed number of times before succeeding
type flakyScanner struct {
	failures int
	calls    int
	err      error
}

func (f *flakyScanner) ScanReceipt(ctx context.Context, media Media) (*ReceiptData, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return &ReceiptData{MerchantName: "ok"}, nil
}

func (f *flakyScanner) ScanStatement(ctx context.Context, in StatementInput) ([]StatementLine, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return []StatementLine{{Description: "ok"}}, nil
}

func (f *flakyScanner) Close() error {
	return nil
}

var _ = Describe("Retrying", func() {
	var (
		inner   *flakyScanner
		scanner *Retrying
		waits   []time.Duration
	)

	BeforeEach(func() {
		waits = nil
		inner = &flakyScanner{err: errors.New("503 service unavailable")}
		scanner = WithRetry(inner, RetryPolicy{
			Attempts:  3,
			BaseDelay: time.Second,
			Sleep: func(ctx context.Context, d time.Duration) error {
				waits = append(waits, d)
				return nil
			},
		})
	})

	When("the first attempt succeeds", func() {
		It("does not wait", func() {
			data, err := scanner.ScanReceipt(context.Background(), Media{Data: []byte{1}, MIMEType: "image/png"})
			Expect(err).NotTo(HaveOccurred())
			Expect(data.MerchantName).To(Equal("ok"))
			Expect(waits).To(BeEmpty())
		})
	})

	When("a later attempt succeeds", func() {
		BeforeEach(func() {
			inner.failures = 2
		})

		It("backs off exponentially", func() {
			_, err := scanner.ScanReceipt(context.Background(), Media{Data: []byte{1}})
			Expect(err).NotTo(HaveOccurred())
			Expect(inner.calls).To(Equal(3))
			Expect(waits).To(Equal([]time.Duration{time.Second, 2 * time.Second}))
		})
	})

	When("every attempt fails", func() {
		BeforeEach(func() {
			inner.failures = 10
		})

		It("returns an ExtractionError after three attempts", func() {
			_, err := scanner.ScanStatement(context.Background(), StatementInput{Text: "date,desc"})
			var extractionErr *ExtractionError
			Expect(errors.As(err, &extractionErr)).To(BeTrue())
			Expect(extractionErr.Attempts).To(Equal(3))
			Expect(extractionErr.Op).To(Equal("statement extraction"))
			Expect(err).To(MatchError(inner.err))
			Expect(inner.calls).To(Equal(3))
		})

		It("only waits between attempts", func() {
			_, _ = scanner.ScanReceipt(context.Background(), Media{Data: []byte{1}})
			Expect(waits).To(HaveLen(2))
		})
	})

	When("the input is invalid", func() {
		BeforeEach(func() {
			inner.failures = 10
			inner.err = ErrInvalidInput
		})

		It("does not retry", func() {
			_, err := scanner.ScanReceipt(context.Background(), Media{})
			Expect(err).To(MatchError(ErrInvalidInput))
			Expect(inner.calls).To(Equal(1))
		})

		It("rejects an empty statement before calling the provider", func() {
			_, err := scanner.ScanStatement(context.Background(), StatementInput{})
			Expect(err).To(MatchError(ErrInvalidInput))
			Expect(inner.calls).To(Equal(0))
		})
	})

	When("the context is cancelled while waiting", func() {
		BeforeEach(func() {
			inner.failures = 10
			scanner = WithRetry(inner, RetryPolicy{Attempts: 3, BaseDelay: time.Hour})
		})

		It("stops early", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			_, err := scanner.ScanReceipt(ctx, Media{Data: []byte{1}})
			Expect(err).To(MatchError(context.Canceled))
			Expect(inner.calls).To(Equal(1))
		})
	})
})
