// Copyright 2024 driftflow Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package writer

import (
	"bytes"
	"encoding/binary"
	"io"

	cerror "github.com/driftflow/driftflow/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Tag discriminates the log record kinds.
type Tag byte

// Log record tags. These bytes are part of the on-disk format and must
// never change.
const (
	TagMail       Tag = 'M'
	TagOutput     Tag = 'O'
	TagCheckpoint Tag = 'C'
	TagClear      Tag = 'X'
)

// Record is one entry of the replay log. Exactly one of the tag-specific
// field groups is meaningful, depending on Tag.
type Record struct {
	Tag  Tag
	Step uint64

	// TagMail
	Name string
	Args [][]byte

	// TagOutput
	Partition uint16
	Payload   []byte

	// TagCheckpoint
	CheckpointID uint64
}

// MailRecord builds a TagMail record.
func MailRecord(step uint64, name string, args [][]byte) *Record {
	return &Record{Tag: TagMail, Step: step, Name: name, Args: args}
}

// OutputRecord builds a TagOutput record.
func OutputRecord(step uint64, partition uint16, payload []byte) *Record {
	return &Record{Tag: TagOutput, Step: step, Partition: partition, Payload: payload}
}

// CheckpointRecord builds a TagCheckpoint record.
func CheckpointRecord(step, checkpointID uint64) *Record {
	return &Record{Tag: TagCheckpoint, Step: step, CheckpointID: checkpointID}
}

// ClearRecord builds a TagClear record.
func ClearRecord(step uint64) *Record {
	return &Record{Tag: TagClear, Step: step}
}

// MarshalArg serializes one mail argument for logging.
func MarshalArg(arg interface{}) ([]byte, error) {
	return msgpack.Marshal(arg)
}

// UnmarshalArg deserializes one logged mail argument. Integral values come
// back at the width they were encoded with (int64 and uint64 arguments as
// int64 and uint64, narrower ones possibly narrower), which replay handlers
// must account for.
func UnmarshalArg(data []byte) (interface{}, error) {
	var v interface{}
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// EncodeRecord renders a record in the wire format: a u32 frame length
// followed by the tag byte, the u64 step number, and the tag payload.
func EncodeRecord(r *Record) []byte {
	var body bytes.Buffer
	body.WriteByte(byte(r.Tag))
	writeUint64(&body, r.Step)
	switch r.Tag {
	case TagMail:
		writeUint16(&body, uint16(len(r.Name)))
		body.WriteString(r.Name)
		body.WriteByte(byte(len(r.Args)))
		for _, arg := range r.Args {
			writeUint32(&body, uint32(len(arg)))
			body.Write(arg)
		}
	case TagOutput:
		writeUint16(&body, r.Partition)
		writeUint32(&body, uint32(len(r.Payload)))
		body.Write(r.Payload)
	case TagCheckpoint:
		writeUint64(&body, r.CheckpointID)
	case TagClear:
	}

	out := make([]byte, 4+body.Len())
	binary.BigEndian.PutUint32(out, uint32(body.Len()))
	copy(out[4:], body.Bytes())
	return out
}

// DecodeRecord reads one record. It returns io.EOF only at a record
// boundary; anything cut short mid-record is reported as corruption.
func DecodeRecord(rd io.Reader) (*Record, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(rd, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, cerror.ErrLogCorrupted.GenWithStackByArgs("truncated frame length")
	}
	frameLen := binary.BigEndian.Uint32(lenBuf[:])
	if frameLen < 9 {
		return nil, cerror.ErrLogCorrupted.GenWithStackByArgs("frame too short")
	}
	frame := make([]byte, frameLen)
	if _, err := io.ReadFull(rd, frame); err != nil {
		return nil, cerror.ErrLogCorrupted.GenWithStackByArgs("truncated record")
	}

	r := &Record{
		Tag:  Tag(frame[0]),
		Step: binary.BigEndian.Uint64(frame[1:9]),
	}
	body := frame[9:]
	switch r.Tag {
	case TagMail:
		if len(body) < 3 {
			return nil, cerror.ErrLogCorrupted.GenWithStackByArgs("mail record too short")
		}
		nameLen := int(binary.BigEndian.Uint16(body))
		body = body[2:]
		if len(body) < nameLen+1 {
			return nil, cerror.ErrLogCorrupted.GenWithStackByArgs("mail name truncated")
		}
		r.Name = string(body[:nameLen])
		body = body[nameLen:]
		argc := int(body[0])
		body = body[1:]
		if argc > 0 {
			r.Args = make([][]byte, 0, argc)
		}
		for i := 0; i < argc; i++ {
			if len(body) < 4 {
				return nil, cerror.ErrLogCorrupted.GenWithStackByArgs("mail argument truncated")
			}
			argLen := int(binary.BigEndian.Uint32(body))
			body = body[4:]
			if len(body) < argLen {
				return nil, cerror.ErrLogCorrupted.GenWithStackByArgs("mail argument truncated")
			}
			r.Args = append(r.Args, append([]byte(nil), body[:argLen]...))
			body = body[argLen:]
		}
	case TagOutput:
		if len(body) < 6 {
			return nil, cerror.ErrLogCorrupted.GenWithStackByArgs("output record too short")
		}
		r.Partition = binary.BigEndian.Uint16(body)
		payloadLen := int(binary.BigEndian.Uint32(body[2:]))
		body = body[6:]
		if len(body) < payloadLen {
			return nil, cerror.ErrLogCorrupted.GenWithStackByArgs("output payload truncated")
		}
		r.Payload = append([]byte(nil), body[:payloadLen]...)
	case TagCheckpoint:
		if len(body) < 8 {
			return nil, cerror.ErrLogCorrupted.GenWithStackByArgs("checkpoint record too short")
		}
		r.CheckpointID = binary.BigEndian.Uint64(body)
	case TagClear:
	default:
		return nil, cerror.ErrLogCorrupted.GenWithStackByArgs("unknown record tag")
	}
	return r, nil
}

// ReadAll decodes a complete log and verifies the step numbers are
// strictly increasing. A log that ends mid-record is corrupted; recovery
// must not start from it.
func ReadAll(rd io.Reader) ([]*Record, error) {
	var records []*Record
	var lastStep uint64
	for {
		r, err := DecodeRecord(rd)
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return nil, err
		}
		if len(records) > 0 && r.Step <= lastStep {
			return nil, cerror.ErrLogCorrupted.GenWithStackByArgs("step numbers not strictly increasing")
		}
		lastStep = r.Step
		records = append(records, r)
	}
}

func writeUint16(b *bytes.Buffer, v uint16) {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	b.Write(buf[:])
}

func writeUint32(b *bytes.Buffer, v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	b.Write(buf[:])
}

func writeUint64(b *bytes.Buffer, v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	b.Write(buf[:])
}
