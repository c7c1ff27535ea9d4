// Package apitest provides an in-memory bridge on httptest for tests of the
// API client, the transfer engine and the CLI.
package apitest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/mux"

	encryption "github.com/rescale/shardlink/internal/crypto"
	"github.com/rescale/shardlink/internal/models"
)

// FaultFunc lets a test override the response of a route. Returning a zero
// status serves the request normally. attempt counts calls to the route, from 1.
type FaultFunc func(route string, attempt int, r *nethttp.Request) (status int, header nethttp.Header)

// RangeFaultFunc overrides a ranged shard GET. attempt counts requests for the
// same file and start offset, from 1. Returning NoBody serves 206 with an
// empty body; zero serves normally.
type RangeFaultFunc func(fileID string, start, end int64, attempt int) (status int)

// NoBody makes a RangeFaultFunc answer 206 without content.
const NoBody = -1

// StoredFile is a file as the fake bridge holds it.
type StoredFile struct {
	ID        string
	Bucket    string
	Index     string
	Version   int
	Data      []byte   // current protocol ciphertext
	Shards    [][]byte // legacy protocol data shards, in order
	Filename  string
	HMAC      models.HMAC
	Hash      string
	Multipart bool
}

type frame struct {
	shard    *models.ShardMeta
	data     []byte
	uploadID string
}

type multipartUpload struct {
	frameID string
	parts   map[int][]byte
	etags   map[int]string
}

// Bridge is a fake bridge server.
type Bridge struct {
	Server *httptest.Server

	// Fault, when set, is consulted before every routed request.
	Fault FaultFunc
	// RangeFault, when set, is consulted before every ranged shard GET.
	RangeFault RangeFaultFunc
	// LegacyConflict makes legacy files answer 409 LEGACY_FILE on the
	// current-protocol endpoint instead of a version-1 description.
	LegacyConflict bool

	// Credentials the bridge accepts. Empty values accept any request.
	User         string
	PasswordHash string
	ShareToken   string

	mu            sync.Mutex
	nextID        int
	files         map[string]*StoredFile
	frames        map[string]*frame
	uploads       map[string]*multipartUpload
	calls         map[string]int
	rangeAttempts map[string]int
}

// NewBridge starts a fake bridge that is closed when the test ends.
func NewBridge(t testing.TB) *Bridge {
	b := &Bridge{
		files:         make(map[string]*StoredFile),
		frames:        make(map[string]*frame),
		uploads:       make(map[string]*multipartUpload),
		calls:         make(map[string]int),
		rangeAttempts: make(map[string]int),
	}

	r := mux.NewRouter()
	r.HandleFunc("/v2/buckets/{bucket}/files/{file}/mirrors", b.route("file_info", true, b.handleFileInfo)).Methods("GET")
	r.HandleFunc("/buckets/{bucket}/files/{file}/info", b.route("legacy_file_info", true, b.handleLegacyInfo)).Methods("GET")
	r.HandleFunc("/buckets/{bucket}/files/{file}", b.route("mirrors", true, b.handleMirrors)).Methods("GET")
	r.HandleFunc("/buckets/{bucket}/files", b.route("create_entry", true, b.handleCreateEntry)).Methods("POST")
	r.HandleFunc("/frames", b.route("create_frame", true, b.handleCreateFrame)).Methods("POST")
	r.HandleFunc("/frames/{frame}", b.route("add_multipart_shard", true, b.handleAddMultipartShard)).Methods("PUT").Queries("multiparts", "{parts:[0-9]+}")
	r.HandleFunc("/frames/{frame}", b.route("add_shard", true, b.handleAddShard)).Methods("PUT")
	r.HandleFunc("/objects/{file}", b.route("get_shard", false, b.handleGetShard)).Methods("GET")
	r.HandleFunc("/objects/{file}/{shard:[0-9]+}", b.route("get_mirror", false, b.handleGetMirror)).Methods("GET")
	r.HandleFunc("/uploads/frames/{frame}", b.route("put_shard", false, b.handlePutShard)).Methods("PUT")
	r.HandleFunc("/uploads/{upload}/parts/{part:[0-9]+}", b.route("put_part", false, b.handlePutPart)).Methods("PUT")

	b.Server = httptest.NewServer(r)
	t.Cleanup(b.Server.Close)
	return b
}

// URL returns the bridge base URL.
func (b *Bridge) URL() string {
	return b.Server.URL
}

// Calls returns how many requests reached a route, including faulted ones.
func (b *Bridge) Calls(route string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[route]
}

// File returns a copy of a stored file.
func (b *Bridge) File(id string) (StoredFile, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.files[id]
	if !ok {
		return StoredFile{}, false
	}
	return *f, true
}

// AddFile stores a current-protocol file and returns its id.
func (b *Bridge) AddFile(bucket string, index, ciphertext []byte) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.newID()
	b.files[id] = &StoredFile{
		ID:      id,
		Bucket:  bucket,
		Index:   hex.EncodeToString(index),
		Version: models.FileVersionChunked,
		Data:    append([]byte(nil), ciphertext...),
		Hash:    encryption.ContentHash(ciphertext),
	}
	return id
}

// AddLegacyFile stores a version-1 file made of data shards and returns its id.
func (b *Bridge) AddLegacyFile(bucket string, index []byte, shards [][]byte) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.newID()
	copied := make([][]byte, len(shards))
	for i, s := range shards {
		copied[i] = append([]byte(nil), s...)
	}
	b.files[id] = &StoredFile{
		ID:      id,
		Bucket:  bucket,
		Index:   hex.EncodeToString(index),
		Version: 1,
		Shards:  copied,
	}
	return id
}

func (b *Bridge) newID() string {
	b.nextID++
	return fmt.Sprintf("%024x", b.nextID)
}

// route counts calls, enforces auth and applies Fault.
func (b *Bridge) route(name string, auth bool, h nethttp.HandlerFunc) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, r *nethttp.Request) {
		b.mu.Lock()
		b.calls[name]++
		attempt := b.calls[name]
		fault := b.Fault
		b.mu.Unlock()

		if auth && !b.authorized(r) {
			writeError(w, nethttp.StatusUnauthorized, "invalid credentials", "")
			return
		}
		if fault != nil {
			if status, header := fault(name, attempt, r); status != 0 {
				for k, v := range header {
					w.Header()[k] = v
				}
				writeError(w, status, "injected fault", "")
				return
			}
		}
		h(w, r)
	}
}

func (b *Bridge) authorized(r *nethttp.Request) bool {
	if b.ShareToken != "" && r.Header.Get("x-token") == b.ShareToken {
		return true
	}
	if b.User != "" {
		user, pass, ok := r.BasicAuth()
		return ok && user == b.User && pass == b.PasswordHash
	}
	return b.ShareToken == ""
}

func writeJSON(w nethttp.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w nethttp.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, models.APIError{Error: msg, Code: code})
}

// =============================================================================
// Download routes
// =============================================================================

func (b *Bridge) lookup(w nethttp.ResponseWriter, r *nethttp.Request) (*StoredFile, bool) {
	vars := mux.Vars(r)
	b.mu.Lock()
	f, ok := b.files[vars["file"]]
	b.mu.Unlock()
	if !ok || (vars["bucket"] != "" && f.Bucket != vars["bucket"]) {
		writeError(w, nethttp.StatusNotFound, "file not found", "")
		return nil, false
	}
	return f, true
}

func (b *Bridge) handleFileInfo(w nethttp.ResponseWriter, r *nethttp.Request) {
	f, ok := b.lookup(w, r)
	if !ok {
		return
	}
	if f.Version < models.FileVersionChunked {
		if b.LegacyConflict {
			writeError(w, nethttp.StatusConflict, "file uses the legacy format", "LEGACY_FILE")
			return
		}
		writeJSON(w, nethttp.StatusOK, models.FileInfo{ID: f.ID, Bucket: f.Bucket, Index: f.Index, Version: f.Version, Filename: f.Filename})
		return
	}
	writeJSON(w, nethttp.StatusOK, models.FileInfo{
		ID:       f.ID,
		Bucket:   f.Bucket,
		Index:    f.Index,
		Size:     int64(len(f.Data)),
		Version:  f.Version,
		Filename: f.Filename,
		Shards: []models.ShardInfo{{
			Index: 0,
			Hash:  f.Hash,
			Size:  int64(len(f.Data)),
			URL:   b.Server.URL + "/objects/" + f.ID,
		}},
	})
}

func (b *Bridge) handleLegacyInfo(w nethttp.ResponseWriter, r *nethttp.Request) {
	f, ok := b.lookup(w, r)
	if !ok {
		return
	}
	var size int64
	for _, s := range f.Shards {
		size += int64(len(s))
	}
	writeJSON(w, nethttp.StatusOK, models.LegacyFileMeta{ID: f.ID, Bucket: f.Bucket, Index: f.Index, Size: size})
}

func (b *Bridge) handleMirrors(w nethttp.ResponseWriter, r *nethttp.Request) {
	f, ok := b.lookup(w, r)
	if !ok {
		return
	}

	// One mirror per data shard plus a parity mirror that clients must skip
	var mirrors []models.Mirror
	for i, s := range f.Shards {
		mirrors = append(mirrors, models.Mirror{
			Index: i,
			Hash:  encryption.ContentHash(s),
			Size:  int64(len(s)),
			URL:   fmt.Sprintf("%s/objects/%s/%d", b.Server.URL, f.ID, i),
		})
	}
	mirrors = append(mirrors, models.Mirror{Index: len(f.Shards), Parity: true, URL: b.Server.URL + "/objects/parity"})

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	skip, _ := strconv.Atoi(r.URL.Query().Get("skip"))
	if limit <= 0 {
		limit = len(mirrors)
	}
	if skip > len(mirrors) {
		skip = len(mirrors)
	}
	end := min(skip+limit, len(mirrors))
	writeJSON(w, nethttp.StatusOK, mirrors[skip:end])
}

func parseRange(h string, size int64) (int64, int64, bool) {
	spec, ok := strings.CutPrefix(h, "bytes=")
	if !ok {
		return 0, 0, false
	}
	from, to, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, 0, false
	}
	start, err1 := strconv.ParseInt(from, 10, 64)
	end, err2 := strconv.ParseInt(to, 10, 64)
	if err1 != nil || err2 != nil || start < 0 || end < start || start >= size {
		return 0, 0, false
	}
	return start, min(end, size-1), true
}

func (b *Bridge) handleGetShard(w nethttp.ResponseWriter, r *nethttp.Request) {
	f, ok := b.lookup(w, r)
	if !ok {
		return
	}

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		w.WriteHeader(nethttp.StatusOK)
		_, _ = w.Write(f.Data)
		return
	}

	start, end, ok := parseRange(rangeHeader, int64(len(f.Data)))
	if !ok {
		writeError(w, nethttp.StatusRequestedRangeNotSatisfiable, "bad range", "")
		return
	}

	b.mu.Lock()
	key := fmt.Sprintf("%s@%d", f.ID, start)
	b.rangeAttempts[key]++
	attempt := b.rangeAttempts[key]
	fault := b.RangeFault
	b.mu.Unlock()

	if fault != nil {
		switch status := fault(f.ID, start, end, attempt); status {
		case 0:
		case NoBody:
			w.WriteHeader(nethttp.StatusPartialContent)
			return
		default:
			writeError(w, status, "injected range fault", "")
			return
		}
	}

	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(f.Data)))
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	w.WriteHeader(nethttp.StatusPartialContent)
	_, _ = w.Write(f.Data[start : end+1])
}

func (b *Bridge) handleGetMirror(w nethttp.ResponseWriter, r *nethttp.Request) {
	f, ok := b.lookup(w, r)
	if !ok {
		return
	}
	i, _ := strconv.Atoi(mux.Vars(r)["shard"])
	if i < 0 || i >= len(f.Shards) {
		writeError(w, nethttp.StatusNotFound, "shard not found", "")
		return
	}
	w.WriteHeader(nethttp.StatusOK)
	_, _ = w.Write(f.Shards[i])
}

// =============================================================================
// Upload routes
// =============================================================================

func (b *Bridge) handleCreateFrame(w nethttp.ResponseWriter, r *nethttp.Request) {
	b.mu.Lock()
	id := b.newID()
	b.frames[id] = &frame{}
	b.mu.Unlock()
	writeJSON(w, nethttp.StatusOK, models.Frame{ID: id})
}

// decodeShard reads shard metadata. Multipart shards are registered before
// their content is known, so only single shards must carry a hash.
func (b *Bridge) decodeShard(w nethttp.ResponseWriter, r *nethttp.Request, needHash bool) (*frame, *models.ShardMeta, bool) {
	var shard models.ShardMeta
	if err := json.NewDecoder(r.Body).Decode(&shard); err != nil {
		writeError(w, nethttp.StatusBadRequest, "invalid shard", "")
		return nil, nil, false
	}
	if shard.Size <= 0 || (needHash && len(shard.Hash) != 40) {
		writeError(w, nethttp.StatusBadRequest, "shard hash and size are required", "")
		return nil, nil, false
	}

	b.mu.Lock()
	fr, ok := b.frames[mux.Vars(r)["frame"]]
	b.mu.Unlock()
	if !ok {
		writeError(w, nethttp.StatusNotFound, "frame not found", "")
		return nil, nil, false
	}
	return fr, &shard, true
}

func (b *Bridge) handleAddShard(w nethttp.ResponseWriter, r *nethttp.Request) {
	fr, shard, ok := b.decodeShard(w, r, true)
	if !ok {
		return
	}
	b.mu.Lock()
	fr.shard = shard
	b.mu.Unlock()
	writeJSON(w, nethttp.StatusOK, models.ShardUploadTarget{
		Hash: shard.Hash,
		URL:  b.Server.URL + "/uploads/frames/" + mux.Vars(r)["frame"],
	})
}

func (b *Bridge) handleAddMultipartShard(w nethttp.ResponseWriter, r *nethttp.Request) {
	fr, shard, ok := b.decodeShard(w, r, false)
	if !ok {
		return
	}
	parts, _ := strconv.Atoi(mux.Vars(r)["parts"])
	if parts < 1 {
		writeError(w, nethttp.StatusBadRequest, "multiparts must be positive", "")
		return
	}

	b.mu.Lock()
	uploadID := b.newID()
	fr.shard = shard
	fr.uploadID = uploadID
	b.uploads[uploadID] = &multipartUpload{
		frameID: mux.Vars(r)["frame"],
		parts:   make(map[int][]byte),
		etags:   make(map[int]string),
	}
	b.mu.Unlock()

	urls := make([]string, parts)
	for i := range urls {
		urls[i] = fmt.Sprintf("%s/uploads/%s/parts/%d", b.Server.URL, uploadID, i+1)
	}
	writeJSON(w, nethttp.StatusOK, models.MultipartTarget{UploadID: uploadID, URLs: urls})
}

func (b *Bridge) handlePutShard(w nethttp.ResponseWriter, r *nethttp.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, nethttp.StatusBadRequest, "read failed", "")
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	fr, ok := b.frames[mux.Vars(r)["frame"]]
	if !ok || fr.shard == nil {
		writeError(w, nethttp.StatusNotFound, "no shard registered", "")
		return
	}
	fr.data = data
	w.WriteHeader(nethttp.StatusOK)
}

func (b *Bridge) handlePutPart(w nethttp.ResponseWriter, r *nethttp.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, nethttp.StatusBadRequest, "read failed", "")
		return
	}
	part, _ := strconv.Atoi(mux.Vars(r)["part"])

	b.mu.Lock()
	defer b.mu.Unlock()
	up, ok := b.uploads[mux.Vars(r)["upload"]]
	if !ok {
		writeError(w, nethttp.StatusNotFound, "upload not found", "")
		return
	}
	sum := sha256.Sum256(data)
	etag := `"` + hex.EncodeToString(sum[:16]) + `"`
	up.parts[part] = data
	up.etags[part] = etag
	w.Header().Set("ETag", etag)
	w.WriteHeader(nethttp.StatusOK)
}

func (b *Bridge) handleCreateEntry(w nethttp.ResponseWriter, r *nethttp.Request) {
	var req models.BucketEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, nethttp.StatusBadRequest, "invalid entry", "")
		return
	}
	if req.Filename == "" || req.Index == "" || req.HMAC.Type != "sha512" || req.HMAC.Value == "" {
		writeError(w, nethttp.StatusBadRequest, "filename, index and hmac are required", "")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	fr, ok := b.frames[req.Frame]
	if !ok || fr.shard == nil {
		writeError(w, nethttp.StatusNotFound, "frame not found", "")
		return
	}

	data := fr.data
	hash := fr.shard.Hash
	if req.Multipart != nil {
		assembled, status, msg := b.assemble(fr, req.Multipart)
		if status != 0 {
			writeError(w, status, msg, "")
			return
		}
		data = assembled
		hash = req.Multipart.Hash
	}

	if int64(len(data)) != fr.shard.Size {
		writeError(w, nethttp.StatusBadRequest, fmt.Sprintf("size mismatch: registered %d, received %d", fr.shard.Size, len(data)), "")
		return
	}
	if got := encryption.ContentHash(data); got != hash {
		writeError(w, nethttp.StatusBadRequest, fmt.Sprintf("hash mismatch: registered %s, content %s", hash, got), "")
		return
	}

	id := b.newID()
	bucket := mux.Vars(r)["bucket"]
	b.files[id] = &StoredFile{
		ID:        id,
		Bucket:    bucket,
		Index:     req.Index,
		Version:   models.FileVersionChunked,
		Data:      data,
		Filename:  req.Filename,
		HMAC:      req.HMAC,
		Hash:      hash,
		Multipart: req.Multipart != nil,
	}
	delete(b.frames, req.Frame)

	writeJSON(w, nethttp.StatusOK, models.BucketEntry{
		ID:       id,
		Bucket:   bucket,
		Frame:    req.Frame,
		Filename: req.Filename,
		Index:    req.Index,
		Size:     int64(len(data)),
	})
}

// assemble validates a multipart manifest and joins the parts. Caller holds b.mu.
func (b *Bridge) assemble(fr *frame, m *models.MultipartManifest) ([]byte, int, string) {
	up, ok := b.uploads[m.UploadID]
	if !ok || m.UploadID != fr.uploadID {
		return nil, nethttp.StatusNotFound, "upload not found"
	}
	if !sort.SliceIsSorted(m.Parts, func(i, j int) bool { return m.Parts[i].PartNumber < m.Parts[j].PartNumber }) {
		return nil, nethttp.StatusBadRequest, "parts must be sorted by part number"
	}
	if len(m.Parts) != len(up.parts) {
		return nil, nethttp.StatusBadRequest, fmt.Sprintf("manifest lists %d parts, %d uploaded", len(m.Parts), len(up.parts))
	}

	var out []byte
	for i, p := range m.Parts {
		if p.PartNumber != i+1 {
			return nil, nethttp.StatusBadRequest, fmt.Sprintf("missing part %d", i+1)
		}
		if up.etags[p.PartNumber] != p.ETag {
			return nil, nethttp.StatusBadRequest, fmt.Sprintf("etag mismatch for part %d", p.PartNumber)
		}
		out = append(out, up.parts[p.PartNumber]...)
	}
	delete(b.uploads, m.UploadID)
	return out, 0, ""
}
