package session

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/shopspring/decimal"

	"github.com/zombor/expense-tracker/internal/ingest"
	"github.com/zombor/expense-tracker/internal/ledger"
	"github.com/zombor/expense-tracker/internal/scanning"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func day(s string) time.Time {
	d, err := time.Parse("2006-01-02", s)
	Expect(err).NotTo(HaveOccurred())
	return d
}

func statementLine(date, desc, debit string) scanning.StatementLine {
	return scanning.StatementLine{
		Date:        date,
		Description: desc,
		Debit:       decimal.NewNullDecimal(dec(debit)),
		Category:    "Other",
	}
}

var _ = Describe("Session", func() {
	var (
		scanner  *mockScanner
		storage  *MemoryStorage
		registry *Registry
		sess     *Session
		opts     Options
		ctx      context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		scanner = newMockScanner()
		storage = NewMemoryStorage()
		opts = DefaultOptions()
	})

	JustBeforeEach(func() {
		clock := &fakeClock{now: time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)}
		registry = NewRegistryWithDeps(scanner, storage, opts, &seqIDGenerator{}, clock)
		sess = registry.Create()
	})

	AfterEach(func() {
		Expect(registry.Close()).To(Succeed())
	})

	// upload and process receipts keyed by filename
	processReceipts := func(files map[string]*scanning.ReceiptData, order ...string) []*ledger.ReceiptItem {
		var uploads []ingest.Upload
		for _, name := range order {
			scanner.receipts[name] = files[name]
			uploads = append(uploads, png(name))
		}
		added, rejected := sess.AddFiles(uploads)
		Expect(rejected).To(BeEmpty())
		_, err := sess.ProcessQueued(ctx)
		Expect(err).NotTo(HaveOccurred())
		return added
	}

	Describe("AddFiles", func() {
		It("queues valid uploads and keeps their bytes", func() {
			added, rejected := sess.AddFiles([]ingest.Upload{png("a.png"), png("b.png")})
			Expect(rejected).To(BeEmpty())
			Expect(added).To(HaveLen(2))
			Expect(added[0].Status).To(Equal(ledger.StatusQueued))
			Expect(added[0].ID).To(Equal(ledger.ReceiptID("a.png", png("a.png").LastModified, 5)))

			data, contentType, err := sess.ReceiptFile(added[0].ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("a.png"))
			Expect(contentType).To(Equal("image/png"))
		})

		It("rejects the same file uploaded twice", func() {
			sess.AddFiles([]ingest.Upload{png("a.png")})
			added, rejected := sess.AddFiles([]ingest.Upload{png("a.png")})
			Expect(added).To(BeEmpty())
			Expect(rejected).To(HaveLen(1))
			Expect(rejected[0].Err).To(MatchError(ledger.ErrDuplicateItem))
			Expect(sess.Items()).To(HaveLen(1))
		})

		It("rejects unsupported files without affecting the rest", func() {
			added, rejected := sess.AddFiles([]ingest.Upload{
				png("a.png"),
				{Name: "notes.txt", ContentType: "text/plain", Data: []byte("hello")},
			})
			Expect(added).To(HaveLen(1))
			Expect(rejected).To(HaveLen(1))
			Expect(rejected[0].Name).To(Equal("notes.txt"))
			Expect(rejected[0].Err).To(MatchError(ingest.ErrUnsupportedType))
		})

		When("the session is full", func() {
			BeforeEach(func() {
				opts.MaxFiles = 2
			})

			It("rejects uploads beyond the limit", func() {
				added, rejected := sess.AddFiles([]ingest.Upload{png("a.png"), png("b.png"), png("c.png")})
				Expect(added).To(HaveLen(2))
				Expect(rejected).To(HaveLen(1))
				Expect(rejected[0].Err).To(MatchError(ledger.ErrItemLimit))
			})
		})
	})

	Describe("ProcessQueued", func() {
		It("routes extractions by confidence", func() {
			processReceipts(map[string]*scanning.ReceiptData{
				"sure.png":   receiptData("500", "2024-01-10", 0.5),
				"unsure.png": receiptData("700", "2024-01-10", 0.49999),
			}, "sure.png", "unsure.png")

			items := sess.Items()
			Expect(items[0].Status).To(Equal(ledger.StatusAccepted))
			Expect(items[0].Fields.Amount.Equal(dec("500"))).To(BeTrue())
			Expect(items[0].Fields.Date).To(Equal(day("2024-01-10")))
			Expect(items[1].Status).To(Equal(ledger.StatusSuccess))
		})

		It("marks failed extractions and carries on with the batch", func() {
			scanner.receipts["good.png"] = receiptData("500", "2024-01-10", 0.9)
			sess.AddFiles([]ingest.Upload{png("bad.png"), png("good.png")})

			progress, err := sess.ProcessQueued(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(progress).To(Equal(Progress{Running: false, Total: 2, Processed: 2, Failed: 1}))

			items := sess.Items()
			Expect(items[0].Status).To(Equal(ledger.StatusError))
			Expect(items[0].ErrorMessage).To(HavePrefix("AI processing failed."))
			Expect(items[0].Fields).To(BeNil())
			Expect(items[1].Status).To(Equal(ledger.StatusAccepted))
		})

		It("does not process items twice", func() {
			processReceipts(map[string]*scanning.ReceiptData{
				"a.png": receiptData("500", "2024-01-10", 0.9),
			}, "a.png")

			progress, err := sess.ProcessQueued(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(progress.Total).To(BeZero())
			Expect(scanner.scannedFiles()).To(Equal([]string{"a.png"}))
		})

		When("a batch is running", func() {
			BeforeEach(func() {
				scanner.gate = true
				scanner.receipts["a.png"] = receiptData("500", "2024-01-10", 0.9)
				scanner.receipts["b.png"] = receiptData("600", "2024-01-10", 0.9)
			})

			JustBeforeEach(func() {
				sess.AddFiles([]ingest.Upload{png("a.png"), png("b.png")})
				n, err := sess.StartProcessing()
				Expect(err).NotTo(HaveOccurred())
				Expect(n).To(Equal(2))
				Eventually(scanner.started).Should(Receive(Equal("a.png")))
			})

			It("refuses a second batch", func() {
				_, err := sess.StartProcessing()
				Expect(err).To(MatchError(ErrBatchInProgress))
				close(scanner.release)
			})

			It("reports progress while running", func() {
				Expect(sess.Progress()).To(Equal(Progress{Running: true, Total: 2}))
				Expect(sess.Items()[0].Status).To(Equal(ledger.StatusProcessing))
				close(scanner.release)
				Eventually(sess.Progress).Should(Equal(Progress{Running: false, Total: 2, Processed: 2}))
			})

			It("never processes an item removed while queued", func() {
				b := sess.Items()[1].ID
				Expect(sess.RemoveItem(b)).To(Succeed())
				close(scanner.release)

				Eventually(sess.Progress).Should(Equal(Progress{Running: false, Total: 1, Processed: 1}))
				Expect(scanner.scannedFiles()).To(Equal([]string{"a.png"}))
				Expect(sess.Items()).To(HaveLen(1))
			})

			It("discards the result of an item removed during extraction", func() {
				a := sess.Items()[0].ID
				Expect(sess.RemoveItem(a)).To(Succeed())
				close(scanner.release)

				Eventually(sess.Progress).Should(HaveField("Running", false))
				items := sess.Items()
				Expect(items).To(HaveLen(1))
				Expect(items[0].Filename).To(Equal("b.png"))
				Expect(items[0].Status).To(Equal(ledger.StatusAccepted))
			})

			It("processes a file uploaded again after its first pass", func() {
				a := sess.Items()[0].ID
				scanner.release <- struct{}{}
				Eventually(scanner.started).Should(Receive(Equal("b.png")))

				Expect(sess.RemoveItem(a)).To(Succeed())
				added, rejected := sess.AddFiles([]ingest.Upload{png("a.png")})
				Expect(rejected).To(BeEmpty())
				Expect(added[0].ID).To(Equal(a))
				close(scanner.release)

				Eventually(sess.Progress).Should(Equal(Progress{Running: false, Total: 3, Processed: 3}))
				item, err := sess.Item(a)
				Expect(err).NotTo(HaveOccurred())
				Expect(item.Status).To(Equal(ledger.StatusAccepted))
				Expect(scanner.scannedFiles()).To(Equal([]string{"a.png", "b.png", "a.png"}))
			})

			It("processes a file uploaded again while its old copy is extracting", func() {
				a := sess.Items()[0].ID
				Expect(sess.RemoveItem(a)).To(Succeed())
				sess.AddFiles([]ingest.Upload{png("a.png")})
				close(scanner.release)

				Eventually(sess.Progress).Should(Equal(Progress{Running: false, Total: 3, Processed: 3}))
				item, err := sess.Item(a)
				Expect(err).NotTo(HaveOccurred())
				Expect(item.Status).To(Equal(ledger.StatusAccepted))
				Expect(scanner.scannedFiles()).To(Equal([]string{"a.png", "b.png", "a.png"}))
			})

			It("stops when the session closes", func() {
				Expect(sess.Close()).To(Succeed())
				Expect(sess.Progress().Running).To(BeFalse())
				_, err := sess.StartProcessing()
				Expect(err).To(MatchError(ErrSessionClosed))
			})
		})
	})

	Describe("Accept", func() {
		var id string

		JustBeforeEach(func() {
			added := processReceipts(map[string]*scanning.ReceiptData{
				"a.png": receiptData("500", "2024-01-10", 0.3),
			}, "a.png")
			id = added[0].ID
		})

		It("accepts the extracted fields", func() {
			item, err := sess.Accept(id, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(item.Status).To(Equal(ledger.StatusAccepted))
			Expect(item.Fields.Merchant).To(Equal("Shop"))
		})

		It("accepts corrected fields and canonicalises the category", func() {
			item, err := sess.Accept(id, &ledger.Fields{
				Merchant: "Corner Store",
				Amount:   dec("550"),
				Date:     day("2024-01-11"),
				Category: "medical",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(item.Fields.Merchant).To(Equal("Corner Store"))
			Expect(item.Fields.Category).To(Equal("Medical"))
		})

		It("leaves the caller's fields untouched", func() {
			fields := &ledger.Fields{
				Merchant: "Corner Store",
				Amount:   dec("550"),
				Date:     day("2024-01-11"),
				Category: "medical",
			}
			_, err := sess.Accept(id, fields)
			Expect(err).NotTo(HaveOccurred())
			Expect(fields.Category).To(Equal("medical"))
		})

		It("refuses to accept twice", func() {
			_, err := sess.Accept(id, nil)
			Expect(err).NotTo(HaveOccurred())
			_, err = sess.Accept(id, nil)
			Expect(err).To(MatchError(ledger.ErrInvalidTransition))
		})

		It("matches the receipt once accepted", func() {
			scanner.statementLines = []scanning.StatementLine{statementLine("2024-01-10", "SHOP", "500")}
			_, err := sess.ImportStatement(ctx, scanning.StatementInput{Text: "csv"})
			Expect(err).NotTo(HaveOccurred())
			Expect(sess.Transactions()[0].MatchStatus).To(Equal(ledger.MatchUnmatched))

			_, err = sess.Accept(id, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(sess.Transactions()[0].MatchStatus).To(Equal(ledger.MatchMatched))
		})
	})

	Describe("AddManual", func() {
		It("adds an accepted manual entry", func() {
			item, err := sess.AddManual(ManualEntry{
				Description: "  Tuition fee ",
				Amount:      dec("15000"),
				Date:        day("2024-01-05"),
				Category:    "education",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(item.ID).To(Equal("manual-id-2"))
			Expect(item.Status).To(Equal(ledger.StatusAccepted))
			Expect(item.Fields.IsManual).To(BeTrue())
			Expect(item.Fields.Items).To(Equal([]string{"Tuition fee"}))
			Expect(item.Fields.Category).To(Equal("Education"))

			expenses := sess.Expenses()
			Expect(expenses).To(HaveLen(1))
			Expect(expenses[0].Source).To(Equal(ledger.SourceManual))
		})

		It("defaults unknown categories to Other", func() {
			item, err := sess.AddManual(ManualEntry{Description: "x", Amount: dec("1"), Date: day("2024-01-05"), Category: "Gadgets"})
			Expect(err).NotTo(HaveOccurred())
			Expect(item.Fields.Category).To(Equal(ledger.DefaultCategory))
		})

		DescribeTable("rejects incomplete entries",
			func(entry ManualEntry) {
				_, err := sess.AddManual(entry)
				Expect(err).To(MatchError(ErrInvalidEntry))
				Expect(sess.Items()).To(BeEmpty())
			},
			Entry("no description", ManualEntry{Amount: dec("10"), Date: time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)}),
			Entry("zero amount", ManualEntry{Description: "x", Amount: decimal.Zero, Date: time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)}),
			Entry("negative amount", ManualEntry{Description: "x", Amount: decimal.NewFromInt(-5), Date: time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)}),
			Entry("no date", ManualEntry{Description: "x", Amount: dec("10")}),
		)

		It("has no file", func() {
			item, err := sess.AddManual(ManualEntry{Description: "x", Amount: dec("1"), Date: day("2024-01-05")})
			Expect(err).NotTo(HaveOccurred())
			_, _, err = sess.ReceiptFile(item.ID)
			Expect(err).To(MatchError(ErrBlobNotFound))
		})
	})

	Describe("ImportStatement", func() {
		It("reconciles the two-receipt scenario", func() {
			processReceipts(map[string]*scanning.ReceiptData{
				"r1.png": receiptData("500", "2024-01-10", 0.9),
				"r2.png": receiptData("1200", "2024-01-15", 0.9),
			}, "r1.png", "r2.png")

			scanner.statementLines = []scanning.StatementLine{
				statementLine("2024-01-11", "SHOP ONE", "500"),
				statementLine("2024-01-20", "SHOP TWO", "1200"),
				statementLine("2024-01-12", "KIOSK", "300"),
			}
			txs, err := sess.ImportStatement(ctx, scanning.StatementInput{Text: "csv"})
			Expect(err).NotTo(HaveOccurred())
			Expect(txs).To(HaveLen(3))
			Expect(txs[0].MatchStatus).To(Equal(ledger.MatchMatched))
			Expect(txs[1].MatchStatus).To(Equal(ledger.MatchUnmatched))
			Expect(txs[2].MatchStatus).To(Equal(ledger.MatchUnmatched))

			var bank []string
			receipts := 0
			for _, e := range sess.Expenses() {
				switch e.Source {
				case ledger.SourceBank:
					bank = append(bank, e.Amount.String())
				case ledger.SourceReceipt:
					receipts++
				}
			}
			Expect(bank).To(ConsistOf("1200", "300"))
			Expect(receipts).To(Equal(2))
		})

		It("leaves current transactions untouched when extraction fails", func() {
			scanner.statementLines = []scanning.StatementLine{statementLine("2024-01-11", "SHOP", "500")}
			_, err := sess.ImportStatement(ctx, scanning.StatementInput{Text: "first"})
			Expect(err).NotTo(HaveOccurred())

			scanner.statementErr = &scanning.ExtractionError{Op: "statement extraction", Attempts: 3, Err: errors.New("boom")}
			_, err = sess.ImportStatement(ctx, scanning.StatementInput{Text: "second"})
			var extractErr *scanning.ExtractionError
			Expect(errors.As(err, &extractErr)).To(BeTrue())

			txs := sess.Transactions()
			Expect(txs).To(HaveLen(1))
			Expect(txs[0].Description).To(Equal("SHOP"))
		})

		It("rejects an input with neither media nor text", func() {
			_, err := sess.ImportStatement(ctx, scanning.StatementInput{})
			Expect(err).To(MatchError(scanning.ErrInvalidInput))
			Expect(scanner.statementIn).To(BeEmpty())
		})

		It("keeps unreadable dates as zero and never matches them", func() {
			processReceipts(map[string]*scanning.ReceiptData{
				"a.png": receiptData("500", "2024-01-10", 0.9),
			}, "a.png")
			scanner.statementLines = []scanning.StatementLine{statementLine("", "SHOP", "500")}

			txs, err := sess.ImportStatement(ctx, scanning.StatementInput{Text: "csv"})
			Expect(err).NotTo(HaveOccurred())
			Expect(txs[0].Date.IsZero()).To(BeTrue())
			Expect(txs[0].MatchStatus).To(Equal(ledger.MatchUnmatched))
		})

		It("frees receipts linked to the previous statement", func() {
			added := processReceipts(map[string]*scanning.ReceiptData{
				"a.png": receiptData("500", "2024-01-10", 0.9),
			}, "a.png")
			scanner.statementLines = []scanning.StatementLine{statementLine("2024-01-10", "SHOP", "500")}
			_, err := sess.ImportStatement(ctx, scanning.StatementInput{Text: "first"})
			Expect(err).NotTo(HaveOccurred())

			scanner.statementLines = []scanning.StatementLine{statementLine("2024-01-11", "SHOP AGAIN", "500")}
			txs, err := sess.ImportStatement(ctx, scanning.StatementInput{Text: "second"})
			Expect(err).NotTo(HaveOccurred())
			Expect(txs[0].MatchStatus).To(Equal(ledger.MatchMatched))
			Expect(txs[0].MatchedReceiptID).To(Equal(added[0].ID))

			item, err := sess.Item(added[0].ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(item.MatchedTransactionID).To(Equal(txs[0].ID))
		})
	})

	Describe("RemoveItem", func() {
		It("reverts the matched transaction and rematches it to another receipt", func() {
			added := processReceipts(map[string]*scanning.ReceiptData{
				"a.png": receiptData("500", "2024-01-10", 0.9),
				"b.png": receiptData("500", "2024-01-11", 0.9),
			}, "a.png", "b.png")
			scanner.statementLines = []scanning.StatementLine{statementLine("2024-01-10", "SHOP", "500")}
			txs, err := sess.ImportStatement(ctx, scanning.StatementInput{Text: "csv"})
			Expect(err).NotTo(HaveOccurred())
			Expect(txs[0].MatchedReceiptID).To(Equal(added[0].ID))

			Expect(sess.RemoveItem(added[0].ID)).To(Succeed())

			tx := sess.Transactions()[0]
			Expect(tx.MatchStatus).To(Equal(ledger.MatchMatched))
			Expect(tx.MatchedReceiptID).To(Equal(added[1].ID))
			_, _, err = sess.ReceiptFile(added[0].ID)
			Expect(err).To(MatchError(ledger.ErrItemNotFound))
			_, err = storage.Get(sess.ID(), added[0].ID)
			Expect(err).To(MatchError(ErrBlobNotFound))
		})

		It("reports unknown items", func() {
			Expect(sess.RemoveItem("nope")).To(MatchError(ledger.ErrItemNotFound))
		})
	})

	Describe("ManualMatch", func() {
		var receiptID string

		JustBeforeEach(func() {
			item, err := sess.AddManual(ManualEntry{Description: "Dinner", Amount: dec("2500"), Date: day("2024-01-01")})
			Expect(err).NotTo(HaveOccurred())
			receiptID = item.ID

			scanner.statementLines = []scanning.StatementLine{
				statementLine("2024-01-20", "RESTAURANT", "2400"),
				statementLine("2024-01-21", "RESTAURANT", "2400"),
			}
			_, err = sess.ImportStatement(ctx, scanning.StatementInput{Text: "csv"})
			Expect(err).NotTo(HaveOccurred())
		})

		It("links outside tolerance and drops the bank row", func() {
			tx := sess.Transactions()[0]
			Expect(sess.ManualMatch(tx.ID, receiptID)).To(Succeed())

			tx = sess.Transactions()[0]
			Expect(tx.MatchStatus).To(Equal(ledger.MatchManual))
			Expect(tx.MatchedReceiptID).To(Equal(receiptID))
			Expect(sess.Expenses()).To(HaveLen(2))
		})

		It("rejects linking the receipt to a second transaction", func() {
			txs := sess.Transactions()
			Expect(sess.ManualMatch(txs[0].ID, receiptID)).To(Succeed())
			Expect(sess.ManualMatch(txs[1].ID, receiptID)).To(MatchError(ledger.ErrReceiptLinked))
			Expect(sess.Transactions()[1].MatchStatus).To(Equal(ledger.MatchUnmatched))
		})
	})

	Describe("UpdateCategory", func() {
		JustBeforeEach(func() {
			scanner.statementLines = []scanning.StatementLine{
				statementLine("2024-01-02", "PSO FUEL STATION", "3000"),
				statementLine("2024-01-03", "PSO PETROL PUMP", "2000"),
				statementLine("2024-01-04", "FOODPANDA ORDER", "900"),
			}
			_, err := sess.ImportStatement(ctx, scanning.StatementInput{Text: "csv"})
			Expect(err).NotTo(HaveOccurred())
		})

		It("previews and applies a bulk recategorization", func() {
			first := sess.Transactions()[0]
			similar, err := sess.SimilarTransactions(first.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(similar).To(HaveLen(2))

			updated, err := sess.UpdateCategory(first.ID, "Fuel & Transportation", true)
			Expect(err).NotTo(HaveOccurred())
			Expect(updated).To(HaveLen(2))

			txs := sess.Transactions()
			Expect(txs[0].Category).To(Equal("Fuel & Transportation"))
			Expect(txs[1].Category).To(Equal("Fuel & Transportation"))
			Expect(txs[2].Category).To(Equal("Other"))
		})

		It("reports unknown transactions", func() {
			_, err := sess.UpdateCategory("nope", "Medical", false)
			Expect(err).To(MatchError(ledger.ErrTransactionNotFound))
		})
	})

	Describe("Close", func() {
		It("drops the session's files", func() {
			added, _ := sess.AddFiles([]ingest.Upload{png("a.png")})
			Expect(sess.Close()).To(Succeed())
			_, err := storage.Get(sess.ID(), added[0].ID)
			Expect(err).To(MatchError(ErrBlobNotFound))
		})

		It("refuses uploads afterwards without storing them", func() {
			Expect(sess.Close()).To(Succeed())

			upload := png("a.png")
			added, rejected := sess.AddFiles([]ingest.Upload{upload})
			Expect(added).To(BeEmpty())
			Expect(rejected).To(HaveLen(1))
			Expect(rejected[0].Err).To(MatchError(ErrSessionClosed))

			id := ledger.ReceiptID(upload.Name, upload.LastModified, int64(len(upload.Data)))
			_, err := storage.Get(sess.ID(), id)
			Expect(err).To(MatchError(ErrBlobNotFound))
			Expect(sess.Items()).To(BeEmpty())
		})

		It("refuses statements afterwards", func() {
			Expect(sess.Close()).To(Succeed())
			scanner.statementLines = []scanning.StatementLine{statementLine("2024-01-11", "SHOP", "500")}
			_, err := sess.ImportStatement(ctx, scanning.StatementInput{Text: "csv"})
			Expect(err).To(MatchError(ErrSessionClosed))
			Expect(scanner.statementIn).To(BeEmpty())
			Expect(sess.Transactions()).To(BeEmpty())
		})
	})
})
