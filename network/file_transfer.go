package network

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// FileProgress reports cumulative transfer progress after each
// successfully sent or received chunk (§4.4).
type FileProgress struct {
	FileID           string
	PeerID           string
	Direction        string // "send" or "receive"
	BytesTransferred int64
	TotalBytes       int64
}

// inboundFileTransfer is a file-receive session keyed by (peer, file_id)
// (§3). Its fields are touched only by the owning peer's dispatch
// goroutine once created, so no mutex guards them; the manager's fileMu
// only protects insertion/removal from the transfers map itself.
type inboundFileTransfer struct {
	fileIDHex string
	peerID    string
	filename  string
	path      string
	size      uint64

	file           *os.File
	bytesWritten   uint64
	receivedChunks map[uint32]bool
}

func transferKey(peerID, fileIDHex string) string {
	return peerID + ":" + fileIDHex
}

// SendFile streams path to peerID as a lazy sequence of binary frames:
// one file_meta frame followed by fixed-size file_chunk frames (§4.4).
// Only one chunk is held in memory at a time. Any I/O error aborts the
// transfer with no retry.
func (m *ConnectionManager) SendFile(peerID, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return &ErrInvalidInput{Reason: err.Error()}
	}
	if info.IsDir() {
		return &ErrInvalidInput{Reason: "cannot send a directory"}
	}
	size := info.Size()
	if size < 0 || uint64(size) > MaxFileSize {
		return &ErrResourceLimit{Reason: fmt.Sprintf("file size %d exceeds %d", size, MaxFileSize)}
	}

	mp, ok := m.peerConn(peerID)
	if !ok {
		return &ErrNotConnected{PeerID: peerID}
	}

	f, err := os.Open(path)
	if err != nil {
		return &ErrInvalidInput{Reason: err.Error()}
	}
	defer f.Close()

	fileID := [16]byte(uuid.New())
	filename := filepath.Base(path)

	metaFrame, err := EncodeFileMeta(fileID, uint64(size), 0x00, filename)
	if err != nil {
		return err
	}
	if err := mp.conn.SendBinaryFrame(metaFrame); err != nil {
		return err
	}

	fileIDHex := hex.EncodeToString(fileID[:])
	var sent uint64
	var chunkIndex uint32
	buf := make([]byte, BinaryChunkSize)

	for sent < uint64(size) {
		n, readErr := f.Read(buf)
		if n > 0 {
			chunkFrame, encErr := EncodeFileChunk(fileID, chunkIndex, buf[:n])
			if encErr != nil {
				return encErr
			}
			if sendErr := mp.conn.SendBinaryFrame(chunkFrame); sendErr != nil {
				return sendErr
			}
			sent += uint64(n)
			chunkIndex++
			m.reportProgress(fileIDHex, peerID, "send", int64(sent), size)
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return newIoError("read file", readErr)
		}
	}

	if m.opts.Store != nil {
		_ = m.opts.Store.RecordFileTransfer(fileIDHex, peerID, "send", filename, size, path, "complete", time.Now().Unix())
	}
	return nil
}

func (m *ConnectionManager) reportProgress(fileIDHex, peerID, direction string, transferred, total int64) {
	if m.opts.OnFileProgress != nil {
		m.opts.OnFileProgress(FileProgress{
			FileID: fileIDHex, PeerID: peerID, Direction: direction,
			BytesTransferred: transferred, TotalBytes: total,
		})
	}
}

// handleFileMeta starts (or restarts) a file-receive session for a
// binary 0x01 frame (§4.4).
func (m *ConnectionManager) handleFileMeta(mp *managedPeer, meta FileMeta) {
	fileIDHex := hex.EncodeToString(meta.FileID[:])
	m.startReceive(mp.id, fileIDHex, meta.Filename, meta.Size)
}

// handleFileChunk feeds a binary 0x02 frame's payload into its session.
func (m *ConnectionManager) handleFileChunk(mp *managedPeer, chunk FileChunk) {
	fileIDHex := hex.EncodeToString(chunk.FileID[:])
	m.appendChunk(mp.id, fileIDHex, chunk.ChunkIndex, chunk.Data)
}

// handleLegacyFileMeta starts a session from the legacy JSON+base64 path.
func (m *ConnectionManager) handleLegacyFileMeta(mp *managedPeer, env Envelope) {
	var payload FileMetaLegacyPayload
	if err := unmarshalPayload(env.Payload, &payload); err != nil {
		m.logger.Printf("bad legacy file_meta from %s: %v", mp.id, err)
		return
	}
	if payload.Size < 0 || uint64(payload.Size) > MaxFileSize {
		m.logger.Printf("legacy file_meta from %s: size %d out of bounds", mp.id, payload.Size)
		return
	}
	if payload.Compression != 0 {
		m.logger.Printf("legacy file_meta from %s: unsupported compression flag %d", mp.id, payload.Compression)
		return
	}
	m.startReceive(mp.id, payload.FileID, payload.Filename, uint64(payload.Size))
}

// handleLegacyFileChunk decodes a base64 chunk from the legacy JSON path.
func (m *ConnectionManager) handleLegacyFileChunk(mp *managedPeer, env Envelope) {
	var payload FileChunkLegacyPayload
	if err := unmarshalPayload(env.Payload, &payload); err != nil {
		m.logger.Printf("bad legacy file_chunk from %s: %v", mp.id, err)
		return
	}
	data, err := base64.StdEncoding.DecodeString(payload.Data)
	if err != nil {
		m.logger.Printf("legacy file_chunk from %s: bad base64: %v", mp.id, err)
		return
	}
	m.appendChunk(mp.id, payload.FileID, uint32(payload.ChunkIndex), data)
}

func (m *ConnectionManager) startReceive(peerID, fileIDHex, filename string, size uint64) {
	sanitized := sanitizeFilename(filename, m.opts.FilesDir)
	path := filepath.Join(m.opts.FilesDir, sanitized)

	file, err := os.Create(path)
	if err != nil {
		m.logger.Printf("create received file %q: %v", path, err)
		return
	}

	session := &inboundFileTransfer{
		fileIDHex:      fileIDHex,
		peerID:         peerID,
		filename:       sanitized,
		path:           path,
		size:           size,
		file:           file,
		receivedChunks: make(map[uint32]bool),
	}

	key := transferKey(peerID, fileIDHex)
	m.fileMu.Lock()
	if old, ok := m.transfers[key]; ok {
		old.file.Close()
	}
	m.transfers[key] = session
	m.fileMu.Unlock()

	if size == 0 {
		m.finalizeReceive(key, session)
	}
}

func (m *ConnectionManager) appendChunk(peerID, fileIDHex string, chunkIndex uint32, data []byte) {
	key := transferKey(peerID, fileIDHex)

	m.fileMu.Lock()
	session, ok := m.transfers[key]
	m.fileMu.Unlock()
	if !ok {
		m.logger.Printf("file_chunk for unknown session %s from %s", fileIDHex, peerID)
		return
	}

	if _, err := session.file.Write(data); err != nil {
		m.logger.Printf("write received chunk: %v", err)
		m.abortReceive(key, session)
		return
	}
	session.bytesWritten += uint64(len(data))
	session.receivedChunks[chunkIndex] = true

	m.reportProgress(fileIDHex, peerID, "receive", int64(session.bytesWritten), int64(session.size))

	switch {
	case session.bytesWritten == session.size:
		m.finalizeReceive(key, session)
	case session.bytesWritten > session.size:
		m.logger.Printf("file %s from %s exceeded declared size, aborting", fileIDHex, peerID)
		m.abortReceive(key, session)
	}
}

func (m *ConnectionManager) finalizeReceive(key string, session *inboundFileTransfer) {
	session.file.Close()

	m.fileMu.Lock()
	delete(m.transfers, key)
	m.fileMu.Unlock()

	if m.opts.Store != nil {
		_ = m.opts.Store.RecordFileTransfer(
			session.fileIDHex, session.peerID, "receive", session.filename,
			int64(session.size), session.path, "complete", time.Now().Unix(),
		)
	}
	if m.opts.OnFileReceived != nil {
		m.opts.OnFileReceived(session.peerID, session.filename, session.path)
	}
}

func (m *ConnectionManager) abortReceive(key string, session *inboundFileTransfer) {
	session.file.Close()
	_ = os.Remove(session.path)

	m.fileMu.Lock()
	delete(m.transfers, key)
	m.fileMu.Unlock()

	if m.opts.Store != nil {
		_ = m.opts.Store.RecordFileTransfer(
			session.fileIDHex, session.peerID, "receive", session.filename,
			int64(session.size), session.path, "failed", time.Now().Unix(),
		)
	}
}

// cleanupTransfersForPeer closes (without deleting) any in-progress
// receive sessions belonging to a peer whose connection just closed;
// partial files are left on disk, matching the spec's silence on
// disconnect cleanup policy.
func (m *ConnectionManager) cleanupTransfersForPeer(peerID string) {
	m.fileMu.Lock()
	defer m.fileMu.Unlock()
	for key, session := range m.transfers {
		if session.peerID == peerID {
			session.file.Close()
			delete(m.transfers, key)
		}
	}
}

const maxSanitizedFilenameBytes = 255

// sanitizeFilename strips directory components, removes NUL bytes and
// backslashes (filepath.Base on this repo's Linux/macOS build never treats
// "\" as a separator, but a pc|android|ios peer can still advertise a
// Windows-style name), rejects empty/"."/".." names, truncates to 255
// UTF-8 bytes, and de-duplicates against files already present in dir by
// appending "-<n>" before the extension (§4.4). Idempotent: re-sanitizing
// its own output yields the same string.
func sanitizeFilename(name string, dir string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\x00", ""))
	base = strings.ReplaceAll(base, "\\", "")
	base = filepath.Base(base) // filepath.Base("") == "."; re-derive after stripping

	switch base {
	case "", ".", "..", string(filepath.Separator):
		base = "unnamed"
	}

	base = truncateUTF8(base, maxSanitizedFilenameBytes)

	return deduplicate(dir, base)
}

func truncateUTF8(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	b := []byte(s)[:maxBytes]
	for len(b) > 0 && !utf8.RuneStart(b[len(b)-1]) {
		b = b[:len(b)-1]
	}
	for len(b) > 0 {
		if r, size := utf8.DecodeLastRune(b); r != utf8.RuneError || size != 1 {
			break
		}
		b = b[:len(b)-1]
	}
	return string(b)
}

func deduplicate(dir, name string) string {
	if dir == "" {
		return name
	}
	candidate := name
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for n := 1; ; n++ {
		if _, err := os.Stat(filepath.Join(dir, candidate)); os.IsNotExist(err) {
			return candidate
		}
		candidate = fmt.Sprintf("%s-%d%s", stem, n, ext)
	}
}
