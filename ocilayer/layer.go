// Package ocilayer packages a computed directory diff as an OCI image
// layer, the form container tooling consumes upper layers in.
package ocilayer

import (
	"context"
	"os"

	"github.com/google/go-containerregistry/pkg/compression"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/sirupsen/logrus"

	"github.com/unionkit/uniondiff/differ"
	"github.com/unionkit/uniondiff/output"
	"github.com/unionkit/uniondiff/whiteout"
)

// MediaTypeFor maps an archive compression to the OCI layer media type
// describing it.
func MediaTypeFor(comp output.Compression) types.MediaType {
	switch comp {
	case output.CompressionZstd:
		return types.OCILayerZStd
	case output.CompressionNone:
		return types.OCIUncompressedLayer
	default:
		return types.OCILayer
	}
}

// FromDiff runs the differ, materializes the result as a layer tarball
// inside scratchDir and returns it as a v1.Layer. Distributed layers are
// always compressed; comp selects zstd or gzip (the default). The backing
// file lives until scratchDir is removed, so the layer stays readable for
// digesting and upload.
func FromDiff(ctx context.Context, d *differ.Differ, enc *whiteout.Encoder, scratchDir string, comp output.Compression) (v1.Layer, error) {
	f, err := os.CreateTemp(scratchDir, "diff-layer-*.tar")
	if err != nil {
		return nil, err
	}
	tarPath := f.Name()

	aw, err := output.NewArchiveWriter(f, output.CompressionNone)
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := output.WriteDiff(ctx, d, enc, aw); err != nil {
		f.Close()
		os.Remove(tarPath)
		return nil, err
	}
	if err := f.Close(); err != nil {
		os.Remove(tarPath)
		return nil, err
	}

	layerComp := compression.GZip
	mediaType := types.OCILayer
	if comp == output.CompressionZstd {
		layerComp = compression.ZStd
		mediaType = types.OCILayerZStd
	}
	layer, err := tarball.LayerFromFile(tarPath,
		tarball.WithMediaType(mediaType),
		tarball.WithCompression(layerComp),
	)
	if err != nil {
		os.Remove(tarPath)
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"tar":        tarPath,
		"media_type": string(mediaType),
	}).Debug("packaged diff as OCI layer")
	return layer, nil
}

// Descriptor computes the content descriptor (digest, size, media type)
// of a layer produced by FromDiff.
func Descriptor(layer v1.Layer) (v1.Descriptor, error) {
	digest, err := layer.Digest()
	if err != nil {
		return v1.Descriptor{}, err
	}
	size, err := layer.Size()
	if err != nil {
		return v1.Descriptor{}, err
	}
	mediaType, err := layer.MediaType()
	if err != nil {
		return v1.Descriptor{}, err
	}
	return v1.Descriptor{
		MediaType: mediaType,
		Digest:    digest,
		Size:      size,
	}, nil
}
