// Package codec converts binary attachments to and from their storage-safe
// representation. Durable stores never hold open file handles or other
// host-runtime objects; attachments are flattened into a canonical
// bytes-plus-metadata record before any write transaction opens, and
// reconstructed lazily on read.
package codec

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/greenpill-dev-guild/green-goods-sub008/internal/domain"
)

// encMode is the CBOR encoder configured with Core Deterministic Encoding:
// the same attachment always produces identical stored bytes, which keeps
// content-addressed deduplication and test fixtures stable.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Serialize materializes the file's full content and captures its metadata.
// The read may block; callers must complete Serialize for every attachment
// before opening a storage transaction. A read failure is fatal to the
// enclosing add operation — silently dropping an attachment would submit
// incomplete work.
func Serialize(ctx context.Context, f *domain.File) (*domain.SerializedFile, error) {
	if f == nil {
		return nil, fmt.Errorf("codec: nil file")
	}
	data := f.Data
	if data == nil && f.Source != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var err error
		data, err = io.ReadAll(f.Source)
		closeErr := f.Source.Close()
		if err != nil {
			return nil, fmt.Errorf("codec: read %q (type=%s): %w", f.Name, f.MediaType, err)
		}
		if closeErr != nil {
			return nil, fmt.Errorf("codec: close %q: %w", f.Name, closeErr)
		}
		f.Data = data
		f.Source = nil
	}
	if data == nil {
		data = []byte{}
	}
	return &domain.SerializedFile{
		Data:         data,
		Name:         f.Name,
		MediaType:    f.MediaType,
		LastModified: f.LastModified,
	}, nil
}

// Encode renders a serialized file as the deterministic CBOR blob that is
// written to the images tables.
func Encode(sf *domain.SerializedFile) ([]byte, error) {
	blob, err := encMode.Marshal(sf)
	if err != nil {
		return nil, fmt.Errorf("codec: encode %q: %w", sf.Name, err)
	}
	return blob, nil
}

// Decode reconstructs a usable file from a stored blob. Three shapes are
// accepted for backward compatibility, tried in order:
//
//  1. the current CBOR form,
//  2. the legacy JSON form ({"data":...,"name":...,"type":...}),
//  3. raw bytes with no envelope at all.
//
// When even the raw fallback is unusable (empty input), Decode returns a
// named empty placeholder rather than an error; callers treat an empty file
// as a signal to reload the original data.
func Decode(blob []byte, fallbackName string) *domain.File {
	var sf domain.SerializedFile
	if err := decMode.Unmarshal(blob, &sf); err == nil && sf.Name != "" {
		return fileFrom(&sf)
	}

	var legacy domain.SerializedFile
	if err := json.Unmarshal(blob, &legacy); err == nil && legacy.Name != "" {
		return fileFrom(&legacy)
	}

	if len(blob) > 0 {
		// Opaque blob with no envelope: keep the bytes, synthesize the rest.
		return &domain.File{
			Name:      fallbackName,
			MediaType: "application/octet-stream",
			Data:      blob,
		}
	}

	return &domain.File{Name: fallbackName, Data: []byte{}}
}

func fileFrom(sf *domain.SerializedFile) *domain.File {
	data := sf.Data
	if data == nil {
		data = []byte{}
	}
	return &domain.File{
		Name:         sf.Name,
		MediaType:    sf.MediaType,
		LastModified: sf.LastModified,
		Data:         data,
	}
}
