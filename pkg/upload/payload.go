package upload

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/notalog/notalog/pkg/api"
	"github.com/notalog/notalog/pkg/audio"
	"github.com/notalog/notalog/pkg/errorsx"
)

const (
	VariantCompressed = "compressed"
	VariantOriginal   = "original"
)

// Payload describes the exact bytes handed to the backend: which rendition,
// how large, the digest the server verifies after transfer, and the audio
// metadata declared at prepare and commit time. OriginalSHA256 is the digest
// of the source WAV, kept for provenance when a compressed rendition is
// what actually travels.
type Payload struct {
	Path           string
	FileName       string
	Variant        string
	ContentType    string
	ByteSize       int64
	SHA256         string
	OriginalSHA256 string
	Meta           api.AudioMeta
}

// BuildPayload fingerprints a file for upload.
func BuildPayload(path, variant, contentType string) (Payload, error) {
	sum, size, err := FileSHA256(path)
	if err != nil {
		return Payload{}, err
	}
	return Payload{
		Path:        path,
		FileName:    filepath.Base(path),
		Variant:     variant,
		ContentType: contentType,
		ByteSize:    size,
		SHA256:      sum,
	}, nil
}

// FileSHA256 returns the hex digest and byte size of a file.
func FileSHA256(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, errorsx.Wrap(err, errorsx.ReasonUploadPrepare)
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, errorsx.Wrap(err, errorsx.ReasonUploadPrepare)
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

// wavDuration derives the play time of a capture-format WAV from its size.
func wavDuration(byteSize int64) float64 {
	data := byteSize - audio.HeaderBytes
	if data < 0 {
		data = 0
	}
	return float64(data) / float64(audio.TargetFormat().BytesPerSecond())
}
