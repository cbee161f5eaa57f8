package runner

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/sre-norns/verdandi/pkg/prob"
)

const (
	MetricsRelType = "metrics"

	zstdMimeType = "application/zstd"
)

type Compression string

const (
	Identity Compression = "identity"
	Zstd     Compression = "zstd"
)

type RegistryOptions struct {
	EnableOpenMetrics bool        `help:"Encode run metrics in OpenMetrics format"`
	Compression       Compression `help:"Compression of run metrics artifacts: identity or zstd" default:"identity" enum:"identity,zstd"`
}

func encodingWriter(w io.Writer, compression Compression) (io.Writer, func() error, error) {
	switch compression {
	case "", Identity:
		return w, func() error { return nil }, nil
	case Zstd:
		z, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, nil, err
		}
		return z, z.Close, nil
	default:
		return nil, nil, fmt.Errorf("content compression format not recognized: %q", compression)
	}
}

// MetricsArtifact encodes everything gathered by the registry in text exposition format.
// Returns false when the registry has nothing to report.
func MetricsArtifact(registry *prometheus.Registry, opts RegistryOptions) (prob.Artifact, bool, error) {
	gatherer := prometheus.ToTransactionalGatherer(registry)
	mfs, done, err := gatherer.Gather()
	defer done()
	if err != nil {
		return prob.Artifact{}, false, err
	}
	if len(mfs) == 0 {
		return prob.Artifact{}, false, nil
	}

	contentType := expfmt.NewFormat(expfmt.TypeTextPlain)
	if opts.EnableOpenMetrics {
		contentType = expfmt.NewFormat(expfmt.TypeOpenMetrics)
	}

	var buf bytes.Buffer
	w, closeWriter, err := encodingWriter(&buf, opts.Compression)
	if err != nil {
		return prob.Artifact{}, false, err
	}

	enc := expfmt.NewEncoder(w, contentType)
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return prob.Artifact{}, false, fmt.Errorf("failed to encode metrics family %q: %w", mf.GetName(), err)
		}
	}
	if closer, ok := enc.(expfmt.Closer); ok {
		if err := closer.Close(); err != nil {
			return prob.Artifact{}, false, err
		}
	}
	if err := closeWriter(); err != nil {
		return prob.Artifact{}, false, err
	}

	mimeType := string(contentType)
	if opts.Compression == Zstd {
		mimeType = zstdMimeType
	}

	return prob.Artifact{
		Rel:      MetricsRelType,
		MimeType: mimeType,
		Content:  buf.Bytes(),
	}, true, nil
}
