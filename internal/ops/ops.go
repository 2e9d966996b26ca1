// Package ops defines the tagged operation union that is the payload of
// every block: put, del, add-writer, remove-writer. Operations are encoded
// to and decoded from a compact binary form (length-prefixed fields, no
// reflection) so that embedded file content never pays a text-encoding
// tax on replication.
package ops

import (
	"encoding/binary"
	"errors"
	"fmt"

	"pearsync/internal/identity"
)

// Kind discriminates the operation union.
type Kind byte

const (
	KindPut Kind = iota + 1
	KindDel
	KindAddWriter
	KindRemoveWriter
	// KindPutChunk carries one chunk of a large file (SPEC_FULL.md §6); the
	// terminal Put names the chunk set's combined hash once all chunks land.
	KindPutChunk
)

func (k Kind) String() string {
	switch k {
	case KindPut:
		return "put"
	case KindDel:
		return "del"
	case KindAddWriter:
		return "add-writer"
	case KindRemoveWriter:
		return "remove-writer"
	case KindPutChunk:
		return "put-chunk"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// FileMeta is the value half of a put operation.
type FileMeta struct {
	Content []byte
	Size    uint64
	MtimeMS uint64
	Mode    uint32
	Hash    [32]byte
	Author  identity.Key
}

// Operation is the decoded payload of one block.
type Operation struct {
	Kind Kind

	// put / del
	Key   string
	Value FileMeta

	// add-writer / remove-writer
	WriterKey identity.Key

	// put-chunk
	ChunkIndex uint32
	ChunkCount uint32
	ChunkData  []byte
}

// Put constructs a put operation.
func Put(key string, value FileMeta) Operation {
	return Operation{Kind: KindPut, Key: key, Value: value}
}

// Del constructs a del operation.
func Del(key string) Operation {
	return Operation{Kind: KindDel, Key: key}
}

// AddWriter constructs an add-writer operation.
func AddWriter(k identity.Key) Operation {
	return Operation{Kind: KindAddWriter, WriterKey: k}
}

// RemoveWriter constructs a (self-)remove-writer operation.
func RemoveWriter(k identity.Key) Operation {
	return Operation{Kind: KindRemoveWriter, WriterKey: k}
}

// Marshal encodes op to its binary payload form.
func Marshal(op Operation) []byte {
	buf := make([]byte, 0, 64+len(op.Value.Content)+len(op.ChunkData))
	buf = append(buf, byte(op.Kind))

	switch op.Kind {
	case KindPut:
		buf = appendString(buf, op.Key)
		buf = appendFileMeta(buf, op.Value)
	case KindDel:
		buf = appendString(buf, op.Key)
	case KindAddWriter, KindRemoveWriter:
		buf = append(buf, op.WriterKey[:]...)
	case KindPutChunk:
		buf = appendString(buf, op.Key)
		var idx, cnt [4]byte
		binary.BigEndian.PutUint32(idx[:], op.ChunkIndex)
		binary.BigEndian.PutUint32(cnt[:], op.ChunkCount)
		buf = append(buf, idx[:]...)
		buf = append(buf, cnt[:]...)
		buf = appendBytes(buf, op.ChunkData)
	}
	return buf
}

// Unmarshal decodes a binary payload into an Operation. Malformed payloads
// return an error; the caller (the Linearizer) skips any payload that
// fails to decode rather than propagating the error.
func Unmarshal(payload []byte) (Operation, error) {
	if len(payload) < 1 {
		return Operation{}, errors.New("ops: empty payload")
	}
	kind := Kind(payload[0])
	rest := payload[1:]
	var op Operation
	op.Kind = kind

	var err error
	switch kind {
	case KindPut:
		op.Key, rest, err = readString(rest)
		if err != nil {
			return Operation{}, err
		}
		op.Value, _, err = readFileMeta(rest)
		if err != nil {
			return Operation{}, err
		}
	case KindDel:
		op.Key, _, err = readString(rest)
		if err != nil {
			return Operation{}, err
		}
	case KindAddWriter, KindRemoveWriter:
		if len(rest) != 32 {
			return Operation{}, fmt.Errorf("ops: bad writer key length %d", len(rest))
		}
		copy(op.WriterKey[:], rest)
	case KindPutChunk:
		op.Key, rest, err = readString(rest)
		if err != nil {
			return Operation{}, err
		}
		if len(rest) < 8 {
			return Operation{}, errors.New("ops: truncated put-chunk header")
		}
		op.ChunkIndex = binary.BigEndian.Uint32(rest[0:4])
		op.ChunkCount = binary.BigEndian.Uint32(rest[4:8])
		op.ChunkData, _, err = readBytes(rest[8:])
		if err != nil {
			return Operation{}, err
		}
	default:
		return Operation{}, fmt.Errorf("ops: unknown kind %d", kind)
	}
	return op, nil
}

func appendString(buf []byte, s string) []byte {
	return appendBytes(buf, []byte(s))
}

func appendBytes(buf []byte, b []byte) []byte {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(b)))
	buf = append(buf, l[:]...)
	return append(buf, b...)
}

func appendFileMeta(buf []byte, fm FileMeta) []byte {
	buf = appendBytes(buf, fm.Content)
	var sz, mt, mode [8]byte
	binary.BigEndian.PutUint64(sz[:], fm.Size)
	binary.BigEndian.PutUint64(mt[:], fm.MtimeMS)
	binary.BigEndian.PutUint32(mode[:4], fm.Mode)
	buf = append(buf, sz[:]...)
	buf = append(buf, mt[:]...)
	buf = append(buf, mode[:4]...)
	buf = append(buf, fm.Hash[:]...)
	buf = append(buf, fm.Author[:]...)
	return buf
}

func readBytes(b []byte) ([]byte, []byte, error) {
	if len(b) < 4 {
		return nil, nil, errors.New("ops: truncated length prefix")
	}
	n := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint64(len(b)) < uint64(n) {
		return nil, nil, errors.New("ops: truncated field")
	}
	return b[:n], b[n:], nil
}

func readString(b []byte) (string, []byte, error) {
	v, rest, err := readBytes(b)
	if err != nil {
		return "", nil, err
	}
	return string(v), rest, nil
}

func readFileMeta(b []byte) (FileMeta, []byte, error) {
	var fm FileMeta
	content, rest, err := readBytes(b)
	if err != nil {
		return fm, nil, err
	}
	fm.Content = append([]byte(nil), content...)
	if len(rest) < 8+8+4+32+32 {
		return fm, nil, errors.New("ops: truncated file meta")
	}
	fm.Size = binary.BigEndian.Uint64(rest[0:8])
	fm.MtimeMS = binary.BigEndian.Uint64(rest[8:16])
	fm.Mode = binary.BigEndian.Uint32(rest[16:20])
	copy(fm.Hash[:], rest[20:52])
	copy(fm.Author[:], rest[52:84])
	return fm, rest[84:], nil
}
