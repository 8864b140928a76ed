package backends

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/markmilk20020610-art/monster-saas/internal/generation"
)

// Static produces deterministic placeholder documents without any network
// calls. It is meant for local development and as a last-resort backend.
type Static struct {
	name string
}

// NewStatic creates a static backend.
func NewStatic(name string) *Static {
	return &Static{name: name}
}

// Name returns the configured backend name.
func (s *Static) Name() string { return s.name }

// Generate implements generation.Backend.
func (s *Static) Generate(ctx context.Context, req generation.Request) (*generation.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(req.Prompt))
	fileID := h.Sum32() % 100000

	n := req.Candidates
	if n < 1 {
		n = 1
	}
	subject := firstLine(req.Prompt)

	docs := make([]string, 0, n)
	for i := 0; i < n; i++ {
		var b strings.Builder
		fmt.Fprintf(&b, "FILE VG-%05d-%d\n", fileID, i+1)
		b.WriteString("CLASSIFICATION: ARCHIVAL PLACEHOLDER\n\n")
		b.WriteString(subject)
		b.WriteString("\n\nSpecimen record pending transcription. Field notes withheld.\n")
		b.WriteString("\n摘要：样本记录待转录。")
		docs = append(docs, b.String())
	}
	return &generation.Response{Documents: docs, Model: "static"}, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
