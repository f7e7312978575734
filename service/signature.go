package service

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"
)

// maxSignatureBytes bounds the decoded image size.
const maxSignatureBytes = 5 << 20

// SignatureError reports a signature payload that could not be turned
// into an image file.
type SignatureError struct {
	Op  string
	Err error
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("signature %s: %v", e.Op, e.Err)
}

func (e *SignatureError) Unwrap() error { return e.Err }

// SignatureFile is a decoded signature image on disk. Callers must
// Release it once the document is built.
type SignatureFile struct {
	Path   string
	Format string
	Width  int
	Height int
}

// Release deletes the file. It is safe to call more than once.
func (f *SignatureFile) Release() error {
	if f == nil {
		return nil
	}
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// SignatureDecoder writes signature data URLs into a scratch directory.
type SignatureDecoder struct {
	dir string
}

func NewSignatureDecoder(dir string) *SignatureDecoder {
	return &SignatureDecoder{dir: dir}
}

// Decode parses a "data:image/<type>;base64,<payload>" URL, checks that
// it holds a complete PNG or JPEG and writes it to signature_<token>.<ext>.
func (d *SignatureDecoder) Decode(token, dataURL string) (*SignatureFile, error) {
	payload, err := splitDataURL(dataURL)
	if err != nil {
		return nil, &SignatureError{Op: "parse", Err: err}
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		// Some canvas encoders drop the padding.
		raw, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if err != nil {
			return nil, &SignatureError{Op: "decode", Err: err}
		}
	}
	if len(raw) > maxSignatureBytes {
		return nil, &SignatureError{Op: "decode", Err: fmt.Errorf("image exceeds %d bytes", maxSignatureBytes)}
	}

	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, &SignatureError{Op: "decode", Err: err}
	}

	ext := format
	if format == "jpeg" {
		ext = "jpg"
	}
	path := filepath.Join(d.dir, fmt.Sprintf("signature_%s.%s", token, ext))
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, &SignatureError{Op: "write", Err: err}
	}

	bounds := img.Bounds()
	return &SignatureFile{
		Path:   path,
		Format: format,
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
	}, nil
}

func splitDataURL(dataURL string) (string, error) {
	header, payload, ok := strings.Cut(strings.TrimSpace(dataURL), ",")
	if !ok {
		return "", errors.New("missing data URL separator")
	}
	if !strings.HasPrefix(header, "data:image/") || !strings.HasSuffix(header, ";base64") {
		return "", fmt.Errorf("unsupported data URL header %q", header)
	}
	if payload == "" {
		return "", errors.New("empty payload")
	}
	return payload, nil
}
