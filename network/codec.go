package network

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
)

const (
	// MaxJSONFrameSize bounds a length-prefixed JSON envelope.
	MaxJSONFrameSize = 16 * 1024 * 1024
	// MaxBinaryFrameSize bounds a whole binary frame (magic..crc).
	MaxBinaryFrameSize = 11 * 1024 * 1024
	// MaxFileSize bounds a declared file-meta size.
	MaxFileSize = 10 * 1024 * 1024 * 1024
	// MaxChunkSize bounds a single file-chunk payload.
	MaxChunkSize = 10 * 1024 * 1024
	// MaxFilenameLen bounds the wire filename field.
	MaxFilenameLen = 1024

	// BinaryChunkSize is the fixed chunk size used by the binary sender.
	BinaryChunkSize = 512 * 1024
	// LegacyJSONChunkSize is the chunk size of the legacy base64-in-JSON
	// file path used by older peers. This package only receives on that
	// path, and its receiver accepts legacy chunks of any size; SendFile
	// always sends binary frames, so nothing here sends with this size.
	LegacyJSONChunkSize = 64 * 1024
)

var binaryMagic = [3]byte{0x42, 0x49, 0x4E} // "BIN"

const (
	binaryFrameTypeFileMeta  byte = 0x01
	binaryFrameTypeFileChunk byte = 0x02
)

// FileMeta is the decoded payload of a 0x01 binary frame.
type FileMeta struct {
	FileID      [16]byte
	Size        uint64
	Compression byte
	Filename    string
}

// FileChunk is the decoded payload of a 0x02 binary frame.
type FileChunk struct {
	FileID     [16]byte
	ChunkIndex uint32
	Data       []byte
}

// WriteJSONFrame writes a 4-byte big-endian length prefix followed by the
// JSON bytes of v.
func WriteJSONFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal json frame: %w", err)
	}
	if len(payload) == 0 || len(payload) > MaxJSONFrameSize {
		return newProtocolError("json frame length %d out of bounds", len(payload))
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return newIoError("write json frame header", err)
	}
	if _, err := w.Write(payload); err != nil {
		return newIoError("write json frame payload", err)
	}
	return nil
}

// ReadJSONFramePayload reads one length-prefixed JSON frame's raw bytes,
// given that the 4-byte length prefix has not yet been consumed.
func ReadJSONFramePayload(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header)
	if length == 0 || length > MaxJSONFrameSize {
		return nil, newProtocolError("json frame length %d out of bounds", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, newIoError("read json frame payload", err)
	}
	return payload, nil
}

// EncodeFileMeta builds a complete 0x01 binary frame, length-prefixed.
func EncodeFileMeta(fileID [16]byte, size uint64, compression byte, filename string) ([]byte, error) {
	nameBytes := []byte(filename)
	if size > MaxFileSize {
		return nil, &ErrResourceLimit{Reason: fmt.Sprintf("file size %d exceeds %d", size, MaxFileSize)}
	}
	if len(nameBytes) > MaxFilenameLen {
		return nil, &ErrResourceLimit{Reason: fmt.Sprintf("filename length %d exceeds %d", len(nameBytes), MaxFilenameLen)}
	}

	body := make([]byte, 0, 1+16+8+1+2+len(nameBytes))
	body = append(body, binaryFrameTypeFileMeta)
	body = append(body, fileID[:]...)
	body = binary.BigEndian.AppendUint64(body, size)
	body = append(body, compression)
	body = binary.BigEndian.AppendUint16(body, uint16(len(nameBytes)))
	body = append(body, nameBytes...)

	return wrapBinaryFrame(body)
}

// EncodeFileChunk builds a complete 0x02 binary frame, length-prefixed.
func EncodeFileChunk(fileID [16]byte, chunkIndex uint32, data []byte) ([]byte, error) {
	if len(data) > MaxChunkSize {
		return nil, &ErrResourceLimit{Reason: fmt.Sprintf("chunk size %d exceeds %d", len(data), MaxChunkSize)}
	}

	body := make([]byte, 0, 1+16+4+4+len(data))
	body = append(body, binaryFrameTypeFileChunk)
	body = append(body, fileID[:]...)
	body = binary.BigEndian.AppendUint32(body, chunkIndex)
	body = binary.BigEndian.AppendUint32(body, uint32(len(data)))
	body = append(body, data...)

	return wrapBinaryFrame(body)
}

// wrapBinaryFrame prepends magic, appends CRC32 over (type..data), and
// prepends the 4-byte length prefix covering everything after itself.
func wrapBinaryFrame(body []byte) ([]byte, error) {
	framed := make([]byte, 0, 4+3+len(body)+4)
	crc := crc32.ChecksumIEEE(body)

	inner := make([]byte, 0, 3+len(body)+4)
	inner = append(inner, binaryMagic[:]...)
	inner = append(inner, body...)
	inner = binary.BigEndian.AppendUint32(inner, crc)

	if len(inner) > MaxBinaryFrameSize {
		return nil, newProtocolError("binary frame length %d exceeds %d", len(inner), MaxBinaryFrameSize)
	}

	framed = binary.BigEndian.AppendUint32(framed, uint32(len(inner)))
	framed = append(framed, inner...)
	return framed, nil
}

// WriteBinaryFrame writes a pre-encoded binary frame (as returned by
// EncodeFileMeta/EncodeFileChunk) to w in one call.
func WriteBinaryFrame(w io.Writer, framed []byte) error {
	if _, err := w.Write(framed); err != nil {
		return newIoError("write binary frame", err)
	}
	return nil
}

// ReadBinaryFrame reads and validates one binary frame, given that the
// 4-byte length prefix has not yet been consumed. It returns the frame
// type byte and the payload that follows it, up to (excluding) the CRC.
func ReadBinaryFrame(r io.Reader) (byte, []byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}

	length := binary.BigEndian.Uint32(header)
	if length < 3+1+4 || length > MaxBinaryFrameSize {
		return 0, nil, newProtocolError("binary frame length %d out of bounds", length)
	}

	inner := make([]byte, length)
	if _, err := io.ReadFull(r, inner); err != nil {
		return 0, nil, newIoError("read binary frame", err)
	}

	if inner[0] != binaryMagic[0] || inner[1] != binaryMagic[1] || inner[2] != binaryMagic[2] {
		return 0, nil, newProtocolError("bad binary magic %x", inner[:3])
	}

	crcOffset := len(inner) - 4
	body := inner[3:crcOffset]
	wantCRC := binary.BigEndian.Uint32(inner[crcOffset:])
	gotCRC := crc32.ChecksumIEEE(body)
	if wantCRC != gotCRC {
		return 0, nil, newProtocolError("crc mismatch: want %08x got %08x", wantCRC, gotCRC)
	}

	frameType := body[0]
	return frameType, body[1:], nil
}

// DecodeFileMeta parses the body of a 0x01 binary frame (post frame-type
// byte, as returned by ReadBinaryFrame).
func DecodeFileMeta(body []byte) (FileMeta, error) {
	if len(body) < 16+8+1+2 {
		return FileMeta{}, newProtocolError("file_meta body too short: %d bytes", len(body))
	}

	var meta FileMeta
	copy(meta.FileID[:], body[:16])
	meta.Size = binary.BigEndian.Uint64(body[16:24])
	meta.Compression = body[24]
	nameLen := binary.BigEndian.Uint16(body[25:27])

	if meta.Size > MaxFileSize {
		return FileMeta{}, newProtocolError("file size %d exceeds %d", meta.Size, MaxFileSize)
	}
	if int(nameLen) > MaxFilenameLen {
		return FileMeta{}, newProtocolError("filename length %d exceeds %d", nameLen, MaxFilenameLen)
	}
	if len(body) != 27+int(nameLen) {
		return FileMeta{}, newProtocolError("file_meta body length mismatch: got %d want %d", len(body), 27+int(nameLen))
	}
	meta.Filename = string(body[27 : 27+int(nameLen)])

	if meta.Compression != 0x00 {
		return FileMeta{}, newProtocolError("unsupported compression flag %#x", meta.Compression)
	}

	return meta, nil
}

// DecodeFileChunk parses the body of a 0x02 binary frame (post
// frame-type byte, as returned by ReadBinaryFrame).
func DecodeFileChunk(body []byte) (FileChunk, error) {
	if len(body) < 16+4+4 {
		return FileChunk{}, newProtocolError("file_chunk body too short: %d bytes", len(body))
	}

	var chunk FileChunk
	copy(chunk.FileID[:], body[:16])
	chunk.ChunkIndex = binary.BigEndian.Uint32(body[16:20])
	chunkSize := binary.BigEndian.Uint32(body[20:24])

	if chunkSize > MaxChunkSize {
		return FileChunk{}, newProtocolError("chunk size %d exceeds %d", chunkSize, MaxChunkSize)
	}
	if len(body) != 24+int(chunkSize) {
		return FileChunk{}, newProtocolError("file_chunk body length mismatch: got %d want %d", len(body), 24+int(chunkSize))
	}
	chunk.Data = body[24:]

	return chunk, nil
}

// PeekFrameKind classifies the discriminator byte that follows a frame's
// 4-byte length prefix: '{' for a JSON envelope, 'B' for a binary frame's
// magic, anything else is malformed. PeerConnection.peekDiscriminator
// peeks that byte without consuming the stream before calling this.
func PeekFrameKind(b byte) (isJSON, isBinary bool) {
	switch b {
	case '{':
		return true, false
	case 'B':
		return false, true
	default:
		return false, false
	}
}
