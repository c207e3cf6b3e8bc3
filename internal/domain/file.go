package domain

import (
	"io"
	"time"
)

// File is a usable binary attachment: metadata plus fully materialized
// bytes. Content may arrive lazily through Source; callers that need the
// bytes drain Source exactly once (the codec does this during Serialize).
type File struct {
	Name         string
	MediaType    string
	LastModified time.Time
	Data         []byte

	// Source, when non-nil and Data is nil, supplies the content. It is
	// closed after the first full read.
	Source io.ReadCloser
}

// Size returns the materialized byte length.
func (f *File) Size() int64 {
	return int64(len(f.Data))
}

// Empty reports whether the file carries no content. A decoded placeholder
// (see codec.Decode) is empty; callers treat that as a signal to reload the
// original data rather than an error.
func (f *File) Empty() bool {
	return len(f.Data) == 0
}

// SerializedFile is the storage-safe encoding of a binary attachment:
// raw bytes plus the metadata needed to reconstruct a usable file. Opaque
// host-runtime handles are never persisted directly; this canonical form
// sidesteps storage engines that cannot clone them.
type SerializedFile struct {
	Data         []byte    `cbor:"1,keyasint" json:"data"`
	Name         string    `cbor:"2,keyasint" json:"name"`
	MediaType    string    `cbor:"3,keyasint" json:"type"`
	LastModified time.Time `cbor:"4,keyasint" json:"lastModified"`
}
