// Package intake decodes face detections handed over by the detection pipeline.
// The wire format is JSON Lines: one detected face per line, in photo acquisition order.
package intake

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/kozaktomas/face-clusters/internal/database"
	"github.com/kozaktomas/face-clusters/internal/facematch"
)

// maxLineSize bounds one encoded face. A 512-d embedding is well under 16KB.
const maxLineSize = 4 * 1024 * 1024

// record is the wire form of one detected face.
type record struct {
	FaceID         string     `json:"face_id"`
	Embedding      []float32  `json:"embedding"`
	Source         string     `json:"source"`
	QualityScore   float64    `json:"quality_score"`
	Sharpness      float64    `json:"sharpness"`
	EyeVisibility  float64    `json:"eye_visibility"`
	Yaw            float64    `json:"yaw"`
	Roll           float64    `json:"roll"`
	BBox           *bbox      `json:"bbox"`
	PhotoURI       string     `json:"photo_uri"`
	PhotoTimestamp *time.Time `json:"photo_timestamp"`
}

type bbox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// LineError is a line that could not be decoded.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error {
	return e.Err
}

// Reader decodes detected faces from a JSON Lines stream.
type Reader struct {
	scanner *bufio.Scanner
	line    int
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Reader{scanner: scanner}
}

// Next returns the next face. Blank lines and lines starting with '#' are skipped.
// A malformed line yields a *LineError and the reader stays usable.
// Next returns io.EOF when the stream is exhausted.
func (r *Reader) Next() (database.DetectedFace, error) {
	for r.scanner.Scan() {
		r.line++
		raw := strings.TrimSpace(r.scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		var rec record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return database.DetectedFace{}, &LineError{Line: r.line, Err: err}
		}
		return rec.face(), nil
	}
	if err := r.scanner.Err(); err != nil {
		return database.DetectedFace{}, fmt.Errorf("read detections: %w", err)
	}
	return database.DetectedFace{}, io.EOF
}

func (rec *record) face() database.DetectedFace {
	f := database.DetectedFace{
		FaceID:        strings.TrimSpace(rec.FaceID),
		Embedding:     rec.Embedding,
		Source:        sourceOf(rec.Source, len(rec.Embedding)),
		QualityScore:  rec.QualityScore,
		Sharpness:     rec.Sharpness,
		EyeVisibility: rec.EyeVisibility,
		Yaw:           rec.Yaw,
		Roll:          rec.Roll,
		PhotoURI:      rec.PhotoURI,
	}
	if rec.BBox != nil {
		f.BBox = facematch.BoundingBox{X: rec.BBox.X, Y: rec.BBox.Y, W: rec.BBox.W, H: rec.BBox.H}
	}
	if rec.PhotoTimestamp != nil {
		f.PhotoTimestamp = *rec.PhotoTimestamp
	}
	return f
}

// sourceOf parses the source tag. An omitted tag is inferred from the embedding length.
func sourceOf(tag string, dims int) facematch.Source {
	if strings.TrimSpace(tag) != "" {
		return facematch.ParseSource(tag)
	}
	for _, src := range facematch.KnownSources {
		if d := src.Dimension(); d > 0 && d == dims {
			return src
		}
	}
	return facematch.SourceUnknown
}

// Batch is the decoded content of one detection stream.
type Batch struct {
	Faces   []database.DetectedFace
	Skipped []*LineError
}

// ReadAll decodes every face of the stream. Malformed lines are collected in
// Batch.Skipped; the error is reserved for read failures.
func ReadAll(r io.Reader) (*Batch, error) {
	reader := NewReader(r)
	batch := &Batch{}
	for {
		f, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return batch, nil
		}
		var lineErr *LineError
		if errors.As(err, &lineErr) {
			batch.Skipped = append(batch.Skipped, lineErr)
			continue
		}
		if err != nil {
			return batch, err
		}
		batch.Faces = append(batch.Faces, f)
	}
}

// ReadFile decodes a detections file. The path "-" reads standard input.
func ReadFile(path string) (*Batch, error) {
	if path == "-" {
		return ReadAll(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open detections: %w", err)
	}
	defer f.Close()
	return ReadAll(f)
}
