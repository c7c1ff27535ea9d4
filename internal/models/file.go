package models

import (
	"sort"
)

// FileVersionChunked is the first bridge file version served over ranged GETs.
// Anything older is downloaded through the mirror (legacy) path.
const FileVersionChunked = 2

// FileInfo is the bridge's description of a stored file (current protocol)
type FileInfo struct {
	ID       string      `json:"id"`
	Bucket   string      `json:"bucket"`
	Index    string      `json:"index"` // hex; first 16 bytes are the CTR IV
	Size     int64       `json:"size"`
	Version  int         `json:"version"`
	Filename string      `json:"filename,omitempty"`
	MimeType string      `json:"mimetype,omitempty"`
	Created  string      `json:"created,omitempty"`
	Shards   []ShardInfo `json:"shards"`
}

// IsLegacy reports whether the file predates the chunked protocol.
func (f *FileInfo) IsLegacy() bool {
	return f.Version < FileVersionChunked
}

// ShardInfo locates one shard of a current-protocol file
type ShardInfo struct {
	Index int    `json:"index"`
	Hash  string `json:"hash"`
	Size  int64  `json:"size"`
	URL   string `json:"url"`
}

// Mirror is one downloadable copy of a shard (legacy protocol)
type Mirror struct {
	Index  int    `json:"index"`
	Hash   string `json:"hash"`
	Size   int64  `json:"size"`
	Parity bool   `json:"parity"`
	URL    string `json:"url"`
}

// LegacyFileMeta is the legacy file record; Index seeds the decryption IV
type LegacyFileMeta struct {
	ID     string `json:"id"`
	Bucket string `json:"bucket"`
	Index  string `json:"index"`
	Size   int64  `json:"size"`
}

// ShardMeta describes one physical shard when registering it with a frame
type ShardMeta struct {
	Hash   string `json:"hash"`
	Size   int64  `json:"size"`
	Index  int    `json:"index"`
	Parity bool   `json:"parity"`
}

// SortShards orders shard descriptors by index, parity shards last.
func SortShards(shards []ShardMeta) {
	sort.SliceStable(shards, func(i, j int) bool {
		if shards[i].Parity != shards[j].Parity {
			return !shards[i].Parity
		}
		return shards[i].Index < shards[j].Index
	})
}

// DataMirrors returns the non-parity mirrors, one per shard index, ordered by index.
// When several mirrors share an index the first one returned by the bridge wins.
func DataMirrors(mirrors []Mirror) []Mirror {
	seen := make(map[int]bool, len(mirrors))
	out := make([]Mirror, 0, len(mirrors))
	for _, m := range mirrors {
		if m.Parity || seen[m.Index] {
			continue
		}
		seen[m.Index] = true
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Frame is the server-side staging record created before shard upload
type Frame struct {
	ID string `json:"id"`
}

// ShardUploadTarget is returned when a shard is added to a frame
type ShardUploadTarget struct {
	Hash string `json:"hash,omitempty"`
	URL  string `json:"url"`
}

// MultipartTarget is returned when a multipart shard is added to a frame
type MultipartTarget struct {
	UploadID string   `json:"uploadId"`
	URLs     []string `json:"urls"`
}

// UploadPart is one acknowledged multipart part
type UploadPart struct {
	PartNumber int    `json:"PartNumber"`
	ETag       string `json:"ETag"`
}

// SortParts orders parts by part number, as required by the finalize call.
func SortParts(parts []UploadPart) {
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
}

// HMAC carries the integrity tag of a bucket entry
type HMAC struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// MultipartManifest finalizes a multipart shard
type MultipartManifest struct {
	UploadID string       `json:"uploadId"`
	Hash     string       `json:"hash"`
	Parts    []UploadPart `json:"parts"`
}

// BucketEntryRequest registers an uploaded frame as a file in a bucket
type BucketEntryRequest struct {
	Frame     string             `json:"frame"`
	Filename  string             `json:"filename"`
	Index     string             `json:"index"`
	HMAC      HMAC               `json:"hmac"`
	Multipart *MultipartManifest `json:"multipart,omitempty"`
}

// BucketEntry is the bridge's answer to a successful finalize
type BucketEntry struct {
	ID       string `json:"id"`
	Bucket   string `json:"bucket"`
	Frame    string `json:"frame"`
	Filename string `json:"filename"`
	Index    string `json:"index"`
	Size     int64  `json:"size,omitempty"`
}

// APIError is the JSON error envelope used by the bridge
type APIError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
