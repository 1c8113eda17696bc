// Package compress implements the two-stage backup compressor: an optional
// lossy image-preprocessing stage followed by general-purpose zstd
// compression. The codec choice is fixed-per-version rather than recorded
// in a blob header, per spec's explicit allowance.
package compress

import (
	"bytes"
	"io"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/s3refgc/s3refgc/errtag"
)

const (
	DefaultZstdLevel   = zstd.SpeedBestCompression // level 19-class preset
	DefaultImageMaxDim = 1024
	DefaultJPEGQuality = 60
)

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".webp": true, ".bmp": true, ".tiff": true, ".tif": true,
}

// IsImageFile reports whether key's extension is one Stage A attempts. Only
// JPEG, PNG and GIF data can be decoded; the other listed formats always
// fall through to Stage B with their raw bytes.
func IsImageFile(key string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(key))]
}

// Result carries the output of CompressForBackup, including whether Stage A
// ran (Open Question 3: callers must know when a restore will not be
// byte-identical to the original).
type Result struct {
	Compressed   []byte
	Preprocessed bool
}

// CompressForBackup runs Stage A (images only, best-effort) then Stage B
// (zstd) over data. If Stage A fails to decode the image, it is skipped and
// the raw bytes are compressed instead — a lossless fallback, not a failure.
func CompressForBackup(key string, data []byte) (Result, error) {
	body := data
	preprocessed := false

	if IsImageFile(key) {
		if resized, err := preprocessImage(data); err == nil {
			body = resized
			preprocessed = true
		}
	}

	compressed, err := compressZstd(body)
	if err != nil {
		return Result{}, errtag.Backupf("compress", err, map[string]any{"key": key})
	}

	return Result{Compressed: compressed, Preprocessed: preprocessed}, nil
}

// DecompressBackup reverses Stage B. Stage A is one-way: a restored image is
// the preprocessed derivative, never the original bytes.
func DecompressBackup(data []byte) ([]byte, error) {
	out, err := decompressZstd(data)
	if err != nil {
		return nil, errtag.Backupf("decompress", err, nil)
	}

	return out, nil
}

func compressZstd(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	w, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(DefaultZstdLevel))
	if err != nil {
		return nil, err
	}

	if _, err := w.Write(data); err != nil {
		w.Close()

		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func decompressZstd(data []byte) ([]byte, error) {
	r, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return io.ReadAll(r)
}

// EstimateCompressionRatio samples up to 64KiB of data to estimate the
// eventual compression ratio without compressing the whole blob, mirroring
// the original's estimate_compression_ratio.
func EstimateCompressionRatio(key string, data []byte) float64 {
	const sampleSize = 64 * 1024

	sample := data
	if len(sample) > sampleSize {
		sample = sample[:sampleSize]
	}

	compressed, err := compressZstd(sample)
	if err != nil || len(compressed) == 0 {
		return 1.0
	}

	ratio := float64(len(sample)) / float64(len(compressed))

	if IsImageFile(key) {
		ratio *= 3.0
	}

	if ratio > 20.0 {
		ratio = 20.0
	}

	return ratio
}
