package pattern

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sync"
)

// frameBufferPool recycles Serialize's frame buffers between calls. It is
// local to this package because package perf imports pattern.
var frameBufferPool = sync.Pool{
	New: func() interface{} { return new(bytes.Buffer) },
}

const (
	frameMagic         = "PATT"
	frameVersion  byte = 1
	checksumSize       = sha256.Size
	// MaxPatternSize bounds the encoded frame, including the checksum
	// trailer. Patterns that would exceed it fail to serialize.
	MaxPatternSize = 4 << 20 // 4 MiB
)

// wirePattern is the JSON payload: the pattern minus its embedding, which
// travels as a typed little-endian float32 array instead.
type wirePattern struct {
	ID        string          `json:"id"`
	Category  Category        `json:"category"`
	Type      string          `json:"type"`
	Domain    string          `json:"domain"`
	Content   Content         `json:"content"`
	Metadata  Metadata        `json:"metadata"`
	Version   Version         `json:"version"`
	Quality   QualityMetrics  `json:"quality"`
	Sharing   SharingPolicy   `json:"sharing"`
	CreatedAt int64           `json:"created_at"`
	UpdatedAt int64           `json:"updated_at"`
	ExpiresAt *int64          `json:"expires_at,omitempty"`
}

// Serialize encodes p into the fixed binary frame described by the pattern
// wire format: magic, version, total length, embedding, JSON body, and a
// trailing SHA-256 checksum over everything preceding it.
func Serialize(p SharedPattern) ([]byte, error) {
	embeddingBuf := make([]byte, len(p.Embedding)*4)
	for i, f := range p.Embedding {
		binary.LittleEndian.PutUint32(embeddingBuf[i*4:], math.Float32bits(f))
	}

	wp := toWire(p)
	jsonBuf, err := json.Marshal(wp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	body := frameBufferPool.Get().(*bytes.Buffer)
	body.Reset()
	defer frameBufferPool.Put(body)
	body.WriteString(frameMagic)
	body.WriteByte(frameVersion)

	totalLenPlaceholder := make([]byte, 4)
	body.Write(totalLenPlaceholder)

	var embLen [4]byte
	binary.BigEndian.PutUint32(embLen[:], uint32(len(embeddingBuf)))
	body.Write(embLen[:])
	body.Write(embeddingBuf)

	var jsonLen [4]byte
	binary.BigEndian.PutUint32(jsonLen[:], uint32(len(jsonBuf)))
	body.Write(jsonLen[:])
	body.Write(jsonBuf)

	bodyBytes := body.Bytes()
	total := len(bodyBytes) + checksumSize
	if total > MaxPatternSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, total)
	}
	binary.BigEndian.PutUint32(bodyBytes[5:9], uint32(total))

	sum := sha256.Sum256(bodyBytes)

	// Copy out of the pooled buffer before it returns to the pool: the
	// caller owns the returned slice past this call's end.
	frame := make([]byte, 0, total)
	frame = append(frame, bodyBytes...)
	frame = append(frame, sum[:]...)

	return frame, nil
}

// Deserialize validates and decodes a frame produced by Serialize. Any
// structural inconsistency — bad magic, unsupported version, length
// mismatch, or checksum failure — returns ErrSerialization.
func Deserialize(data []byte) (SharedPattern, error) {
	const headerLen = 4 + 1 + 4 // magic + version + total_len
	if len(data) < headerLen+checksumSize {
		return SharedPattern{}, fmt.Errorf("%w: frame too short", ErrSerialization)
	}
	if string(data[:4]) != frameMagic {
		return SharedPattern{}, fmt.Errorf("%w: bad magic", ErrSerialization)
	}
	version := data[4]
	if version > frameVersion || version == 0 {
		return SharedPattern{}, fmt.Errorf("%w: unsupported version %d", ErrSerialization, version)
	}
	totalLen := binary.BigEndian.Uint32(data[5:9])
	if int(totalLen) != len(data) {
		return SharedPattern{}, fmt.Errorf("%w: length mismatch", ErrSerialization)
	}

	payload := data[:len(data)-checksumSize]
	wantSum := data[len(data)-checksumSize:]
	gotSum := sha256.Sum256(payload)
	if !bytes.Equal(gotSum[:], wantSum) {
		return SharedPattern{}, fmt.Errorf("%w: checksum mismatch", ErrSerialization)
	}

	cursor := headerLen
	if cursor+4 > len(payload) {
		return SharedPattern{}, fmt.Errorf("%w: truncated embedding length", ErrSerialization)
	}
	embLen := binary.BigEndian.Uint32(payload[cursor : cursor+4])
	cursor += 4
	if cursor+int(embLen) > len(payload) {
		return SharedPattern{}, fmt.Errorf("%w: truncated embedding", ErrSerialization)
	}
	embeddingBuf := payload[cursor : cursor+int(embLen)]
	cursor += int(embLen)

	if embLen%4 != 0 {
		return SharedPattern{}, fmt.Errorf("%w: misaligned embedding", ErrSerialization)
	}
	embedding := make([]float32, embLen/4)
	for i := range embedding {
		bits := binary.LittleEndian.Uint32(embeddingBuf[i*4:])
		embedding[i] = math.Float32frombits(bits)
	}

	if cursor+4 > len(payload) {
		return SharedPattern{}, fmt.Errorf("%w: truncated json length", ErrSerialization)
	}
	jsonLen := binary.BigEndian.Uint32(payload[cursor : cursor+4])
	cursor += 4
	if cursor+int(jsonLen) > len(payload) {
		return SharedPattern{}, fmt.Errorf("%w: truncated json body", ErrSerialization)
	}
	jsonBuf := payload[cursor : cursor+int(jsonLen)]
	cursor += int(jsonLen)

	if cursor != len(payload) {
		return SharedPattern{}, fmt.Errorf("%w: trailing bytes before checksum", ErrSerialization)
	}

	var wp wirePattern
	if err := json.Unmarshal(jsonBuf, &wp); err != nil {
		return SharedPattern{}, fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	p := fromWire(wp)
	p.Embedding = embedding
	return p, nil
}

func toWire(p SharedPattern) wirePattern {
	wp := wirePattern{
		ID:        p.ID,
		Category:  p.Category,
		Type:      p.Type,
		Domain:    p.Domain,
		Content:   p.Content,
		Metadata:  p.Metadata,
		Version:   p.Version,
		Quality:   p.Quality,
		Sharing:   p.Sharing,
		CreatedAt: p.CreatedAt.UnixNano(),
		UpdatedAt: p.UpdatedAt.UnixNano(),
	}
	if p.ExpiresAt != nil {
		ns := p.ExpiresAt.UnixNano()
		wp.ExpiresAt = &ns
	}
	return wp
}

func fromWire(wp wirePattern) SharedPattern {
	p := SharedPattern{
		ID:       wp.ID,
		Category: wp.Category,
		Type:     wp.Type,
		Domain:   wp.Domain,
		Content:  wp.Content,
		Metadata: wp.Metadata,
		Version:  wp.Version,
		Quality:  wp.Quality,
		Sharing:  wp.Sharing,
	}
	p.CreatedAt = nsToTime(wp.CreatedAt)
	p.UpdatedAt = nsToTime(wp.UpdatedAt)
	if wp.ExpiresAt != nil {
		t := nsToTime(*wp.ExpiresAt)
		p.ExpiresAt = &t
	}
	return p
}
