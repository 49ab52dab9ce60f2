package restore

import (
	"context"
	"fmt"
	"io"

	"bastionhq.dev/bastion/shared/manifest"
	"bastionhq.dev/bastion/shared/target"
)

// artifactSource concatenates a run's parts, in manifest order, into one
// continuous byte stream — the payload that the zstd decoder (and
// optional age decryptor) reads from.
type artifactSource struct {
	ctx    context.Context
	driver target.Driver
	base   string
	jobID  string
	runID  string
	names  []string

	idx     int
	current target.ReadCloserSize
}

// OpenArtifactSource opens a reader over the concatenated parts of a
// stored run, in the order recorded by the manifest.
func OpenArtifactSource(ctx context.Context, driver target.Driver, base, jobID, runID string, m manifest.Manifest) (io.ReadCloser, error) {
	names := make([]string, len(m.Artifacts))
	for i, p := range m.Artifacts {
		names[i] = p.Name
	}
	return &artifactSource{ctx: ctx, driver: driver, base: base, jobID: jobID, runID: runID, names: names}, nil
}

func (s *artifactSource) Read(p []byte) (int, error) {
	for {
		if s.current == nil {
			if s.idx >= len(s.names) {
				return 0, io.EOF
			}
			rc, err := s.driver.OpenPart(s.ctx, s.base, s.jobID, s.runID, s.names[s.idx])
			if err != nil {
				return 0, fmt.Errorf("restore: opening part %s: %w", s.names[s.idx], err)
			}
			s.current = rc
			s.idx++
		}
		n, err := s.current.Read(p)
		if n > 0 {
			return n, nil
		}
		if err == io.EOF {
			s.current.Close()
			s.current = nil
			continue
		}
		if err != nil {
			return 0, err
		}
	}
}

func (s *artifactSource) Close() error {
	if s.current != nil {
		return s.current.Close()
	}
	return nil
}
