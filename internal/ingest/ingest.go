package ingest

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"log/slog"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gen2brain/heic"

	"github.com/zombor/expense-tracker/internal/scanning"
)

var (
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrTooLarge        = errors.New("file too large")
	ErrEmptyFile       = errors.New("file is empty")
	ErrBadArchive      = errors.New("unreadable zip archive")
	ErrConversion      = errors.New("image conversion failed")
)

// DefaultMaxFileSize is the per-file upload limit
const DefaultMaxFileSize = 5 << 20

// receiptTypes maps accepted receipt extensions to their MIME types
var receiptTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".pdf":  "application/pdf",
	".heic": "image/heic",
	".heif": "image/heif",
}

// Upload is one file as received from the client
type Upload struct {
	Name         string
	ContentType  string
	LastModified time.Time
	Data         []byte
}

// Rejection explains why an upload never entered the item store
type Rejection struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

// Normalizer turns raw uploads into receipt files the item store accepts
type Normalizer struct {
	maxFileSize int64
}

// NewNormalizer creates a Normalizer. A maxFileSize of zero or less uses DefaultMaxFileSize.
func NewNormalizer(maxFileSize int64) *Normalizer {
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	return &Normalizer{maxFileSize: maxFileSize}
}

// Normalize expands archives, transcodes HEIC images to JPEG and validates
// type and size. A bad file is rejected on its own and never aborts the batch.
func (n *Normalizer) Normalize(uploads []Upload) ([]Upload, []Rejection) {
	var accepted []Upload
	var rejected []Rejection

	reject := func(name string, err error) {
		slog.Warn("Rejected upload", "name", name, "error", err)
		rejected = append(rejected, Rejection{Name: name, Reason: err.Error(), Err: err})
	}

	for _, u := range uploads {
		if isZip(u) {
			files, err := n.expandZip(u)
			if err != nil {
				reject(u.Name, err)
				continue
			}
			if len(files) == 0 {
				reject(u.Name, fmt.Errorf("archive has no receipts: %w", ErrUnsupportedType))
				continue
			}
			for _, f := range files {
				out, err := n.normalizeFile(f)
				if err != nil {
					reject(f.Name, err)
					continue
				}
				accepted = append(accepted, out)
			}
			continue
		}

		out, err := n.normalizeFile(u)
		if err != nil {
			reject(u.Name, err)
			continue
		}
		accepted = append(accepted, out)
	}
	return accepted, rejected
}

func (n *Normalizer) normalizeFile(u Upload) (Upload, error) {
	if len(u.Data) == 0 {
		return Upload{}, ErrEmptyFile
	}
	if int64(len(u.Data)) > n.maxFileSize {
		return Upload{}, fmt.Errorf("%d bytes exceeds %d: %w", len(u.Data), n.maxFileSize, ErrTooLarge)
	}

	mimeType, ok := receiptType(u)
	if !ok {
		return Upload{}, fmt.Errorf("%s: %w", u.ContentType, ErrUnsupportedType)
	}
	u.ContentType = mimeType

	if scanning.IsHEIC(u.Data, mimeType) {
		converted, err := heicToJPEG(u)
		if err != nil {
			return Upload{}, err
		}
		u = converted
	}
	return u, nil
}

// receiptType resolves the MIME type from the declared type, the extension
// and finally the content itself
func receiptType(u Upload) (string, bool) {
	declared := strings.ToLower(strings.TrimSpace(u.ContentType))
	if i := strings.IndexByte(declared, ';'); i != -1 {
		declared = strings.TrimSpace(declared[:i])
	}
	for _, t := range receiptTypes {
		if declared == t {
			return t, true
		}
	}
	if t, ok := receiptTypes[strings.ToLower(filepath.Ext(u.Name))]; ok {
		return t, true
	}
	if scanning.IsHEIC(u.Data, "") {
		return "image/heic", true
	}
	sniffed := http.DetectContentType(u.Data)
	for _, t := range receiptTypes {
		if sniffed == t {
			return t, true
		}
	}
	return "", false
}

func isZip(u Upload) bool {
	switch strings.ToLower(u.ContentType) {
	case "application/zip", "application/x-zip-compressed", "application/x-zip":
		return true
	}
	if strings.EqualFold(filepath.Ext(u.Name), ".zip") {
		return true
	}
	return bytes.HasPrefix(u.Data, []byte("PK\x03\x04"))
}

// expandZip returns the supported files inside an archive. Directories,
// hidden files and unsupported extensions are skipped.
func (n *Normalizer) expandZip(u Upload) ([]Upload, error) {
	zr, err := zip.NewReader(bytes.NewReader(u.Data), int64(len(u.Data)))
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrBadArchive)
	}

	var files []Upload
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := path.Base(f.Name)
		if strings.HasPrefix(name, ".") || strings.HasPrefix(f.Name, "__MACOSX/") {
			continue
		}
		mimeType, ok := receiptTypes[strings.ToLower(path.Ext(name))]
		if !ok {
			continue
		}

		// guard against archives that lie about their size
		data, err := readZipEntry(f, n.maxFileSize+1)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %v: %w", f.Name, err, ErrBadArchive)
		}
		files = append(files, Upload{
			Name:         name,
			ContentType:  mimeType,
			LastModified: f.Modified,
			Data:         data,
		})
	}
	return files, nil
}

func readZipEntry(f *zip.File, limit int64) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, limit))
}

// heicToJPEG transcodes a HEIC/HEIF image and renames it to .jpeg
func heicToJPEG(u Upload) (Upload, error) {
	img, err := heic.Decode(bytes.NewReader(u.Data))
	if err != nil {
		return Upload{}, fmt.Errorf("decoding %s: %v: %w", u.Name, err, ErrConversion)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		return Upload{}, fmt.Errorf("encoding %s: %v: %w", u.Name, err, ErrConversion)
	}

	return Upload{
		Name:         strings.TrimSuffix(u.Name, filepath.Ext(u.Name)) + ".jpeg",
		ContentType:  "image/jpeg",
		LastModified: u.LastModified,
		Data:         buf.Bytes(),
	}, nil
}
