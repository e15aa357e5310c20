package snapstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/crmtools/crmsync/pkg/enrich"
)

// gzip magic bytes, RFC 1952. Every stored payload must start with them.
const (
	gzipMagic1 = 0x1f
	gzipMagic2 = 0x8b
)

// encodeChunk serializes records to JSON and compresses the result.
// It returns the compressed payload and the raw size, verifying that the
// payload carries the gzip marker before anything reaches the database.
func encodeChunk(records []enrich.Record, level int) ([]byte, int, error) {
	raw, err := json.Marshal(records)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal records: %w", err)
	}

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, 0, fmt.Errorf("create gzip writer: %w", err)
	}
	if _, err := zw.Write(raw); err != nil {
		return nil, 0, fmt.Errorf("compress records: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, 0, fmt.Errorf("finish compression: %w", err)
	}

	payload := buf.Bytes()
	if len(payload) < 2 || payload[0] != gzipMagic1 || payload[1] != gzipMagic2 {
		return nil, 0, fmt.Errorf("compressed chunk missing gzip marker")
	}

	return payload, len(raw), nil
}

// decodeChunk decompresses and parses one chunk payload.
func decodeChunk(payload []byte) ([]enrich.Record, error) {
	if len(payload) < 2 || payload[0] != gzipMagic1 || payload[1] != gzipMagic2 {
		return nil, fmt.Errorf("payload missing gzip marker")
	}

	zr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("open gzip reader: %w", err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress chunk: %w", err)
	}

	var records []enrich.Record
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("parse chunk: %w", err)
	}

	return records, nil
}

// chunkRecords splits records into consecutive chunks of at most size
// records each. Empty input yields no chunks.
func chunkRecords(records []enrich.Record, size int) [][]enrich.Record {
	if len(records) == 0 {
		return nil
	}

	chunks := make([][]enrich.Record, 0, (len(records)+size-1)/size)
	for lo := 0; lo < len(records); lo += size {
		hi := lo + size
		if hi > len(records) {
			hi = len(records)
		}
		chunks = append(chunks, records[lo:hi])
	}
	return chunks
}
