package ingest

import (
	"archive/zip"
	"bytes"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n-rest-of-image")

type zipEntry struct {
	name string
	data []byte
}

func buildZip(entries ...zipEntry) []byte {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     e.name,
			Method:   zip.Deflate,
			Modified: time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC),
		})
		Expect(err).NotTo(HaveOccurred())
		_, err = w.Write(e.data)
		Expect(err).NotTo(HaveOccurred())
	}
	Expect(zw.Close()).To(Succeed())
	return buf.Bytes()
}

var _ = Describe("Normalizer", func() {
	var (
		normalizer *Normalizer
		uploads    []Upload
		accepted   []Upload
		rejected   []Rejection
	)

	BeforeEach(func() {
		normalizer = NewNormalizer(1024)
		uploads = nil
	})

	JustBeforeEach(func() {
		accepted, rejected = normalizer.Normalize(uploads)
	})

	When("files are valid", func() {
		BeforeEach(func() {
			uploads = []Upload{
				{Name: "a.png", ContentType: "image/png", Data: pngHeader},
				{Name: "b.PDF", Data: []byte("%PDF-1.4 ...")},
				{Name: "c.jpg", ContentType: "image/jpeg; charset=binary", Data: []byte("\xff\xd8\xff\xe0 jpeg")},
			}
		})

		It("accepts them all with resolved types", func() {
			Expect(rejected).To(BeEmpty())
			Expect(accepted).To(HaveLen(3))
			Expect(accepted[1].ContentType).To(Equal("application/pdf"))
			Expect(accepted[2].ContentType).To(Equal("image/jpeg"))
		})
	})

	When("a file is too large", func() {
		BeforeEach(func() {
			uploads = []Upload{
				{Name: "big.png", ContentType: "image/png", Data: bytes.Repeat([]byte{1}, 1025)},
				{Name: "ok.png", ContentType: "image/png", Data: pngHeader},
			}
		})

		It("rejects only that file", func() {
			Expect(accepted).To(HaveLen(1))
			Expect(rejected).To(HaveLen(1))
			Expect(rejected[0].Name).To(Equal("big.png"))
			Expect(rejected[0].Err).To(MatchError(ErrTooLarge))
		})
	})

	When("a file has an unsupported type", func() {
		BeforeEach(func() {
			uploads = []Upload{{Name: "notes.txt", ContentType: "text/plain", Data: []byte("hello")}}
		})

		It("rejects it", func() {
			Expect(accepted).To(BeEmpty())
			Expect(rejected[0].Err).To(MatchError(ErrUnsupportedType))
		})
	})

	When("a file is empty", func() {
		BeforeEach(func() {
			uploads = []Upload{{Name: "a.png", ContentType: "image/png"}}
		})

		It("rejects it", func() {
			Expect(rejected[0].Err).To(MatchError(ErrEmptyFile))
		})
	})

	When("the type is only known from the content", func() {
		BeforeEach(func() {
			uploads = []Upload{{Name: "upload", ContentType: "application/octet-stream", Data: pngHeader}}
		})

		It("sniffs it", func() {
			Expect(accepted).To(HaveLen(1))
			Expect(accepted[0].ContentType).To(Equal("image/png"))
		})
	})

	When("a zip archive is uploaded", func() {
		BeforeEach(func() {
			uploads = []Upload{{
				Name:        "receipts.zip",
				ContentType: "application/zip",
				Data: buildZip(
					zipEntry{"jan/one.png", pngHeader},
					zipEntry{"jan/two.pdf", []byte("%PDF-1.4")},
					zipEntry{"jan/readme.txt", []byte("skip me")},
					zipEntry{"__MACOSX/jan/._one.png", []byte("junk")},
					zipEntry{"jan/huge.png", bytes.Repeat([]byte{1}, 2048)},
				),
			}}
		})

		It("expands the supported entries", func() {
			names := []string{}
			for _, u := range accepted {
				names = append(names, u.Name)
			}
			Expect(names).To(ConsistOf("one.png", "two.pdf"))
		})

		It("keeps the entry modification time", func() {
			Expect(accepted[0].LastModified.Year()).To(Equal(2024))
		})

		It("rejects oversized entries individually", func() {
			Expect(rejected).To(HaveLen(1))
			Expect(rejected[0].Name).To(Equal("huge.png"))
			Expect(rejected[0].Err).To(MatchError(ErrTooLarge))
		})
	})

	When("a zip archive has no receipts", func() {
		BeforeEach(func() {
			uploads = []Upload{{Name: "docs.zip", Data: buildZip(zipEntry{"a.txt", []byte("x")})}}
		})

		It("rejects the archive", func() {
			Expect(accepted).To(BeEmpty())
			Expect(rejected[0].Err).To(MatchError(ErrUnsupportedType))
		})
	})

	When("a zip archive is corrupt", func() {
		BeforeEach(func() {
			uploads = []Upload{{Name: "broken.zip", Data: []byte("PK\x03\x04 not really")}}
		})

		It("rejects the archive", func() {
			Expect(rejected[0].Err).To(MatchError(ErrBadArchive))
		})
	})

	When("a HEIC image cannot be decoded", func() {
		BeforeEach(func() {
			uploads = []Upload{
				{Name: "IMG_0001.HEIC", ContentType: "image/heic", Data: []byte("\x00\x00\x00\x18ftypheic garbage")},
				{Name: "ok.png", ContentType: "image/png", Data: pngHeader},
			}
		})

		It("rejects it without aborting the batch", func() {
			Expect(rejected).To(HaveLen(1))
			Expect(rejected[0].Err).To(MatchError(ErrConversion))
			Expect(accepted).To(HaveLen(1))
		})
	})
})
