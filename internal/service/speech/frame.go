package speech

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
)

// 火山引擎语音 WebSocket 二进制帧：4 字节头 + 可选序号/事件 + payload。
const protocolVersion = 0b0001

type frameKind uint8

const (
	kindClientRequest frameKind = 0b0001
	kindClientAudio   frameKind = 0b0010
	kindServerFull    frameKind = 0b1001
	kindServerAudio   frameKind = 0b1011
	kindServerError   frameKind = 0b1111
)

type frameFlags uint8

const (
	flagNoSequence   frameFlags = 0b0000
	flagSequence     frameFlags = 0b0001
	flagLastNoSeq    frameFlags = 0b0010
	flagLastSequence frameFlags = 0b0011
	flagEvent        frameFlags = 0b0100
)

const (
	serialNone uint8 = 0b0000
	serialJSON uint8 = 0b0001

	compressNone uint8 = 0b0000
	compressGzip uint8 = 0b0001
)

// 服务端事件
const (
	eventStartConnection    int32 = 1
	eventFinishConnection   int32 = 2
	eventConnectionStarted  int32 = 50
	eventConnectionFailed   int32 = 51
	eventConnectionFinished int32 = 52
	eventSessionFinished    int32 = 152
)

type frame struct {
	kind          frameKind
	flags         frameFlags
	serialization uint8
	compression   uint8

	sequence  int32
	event     int32
	sessionID string
	connectID string
	errorCode uint32
	payload   []byte
}

func (f frame) hasSequence() bool {
	s := f.flags & 0b0011
	return s == flagSequence || s == flagLastSequence
}

// last reports whether the sender marked this frame as the final one.
func (f frame) last() bool {
	s := f.flags & 0b0011
	return s == flagLastNoSeq || s == flagLastSequence
}

func (f frame) hasEvent() bool {
	return f.flags&flagEvent == flagEvent
}

// body returns the decompressed payload.
func (f frame) body() ([]byte, error) {
	if f.compression != compressGzip || len(f.payload) == 0 {
		return f.payload, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(f.payload))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

// eventCarriesSession: connection-level events have no session id.
func eventCarriesSession(event int32) bool {
	switch event {
	case eventStartConnection, eventFinishConnection,
		eventConnectionStarted, eventConnectionFailed, eventConnectionFinished:
		return false
	}
	return true
}

func eventCarriesConnect(event int32) bool {
	return event == eventConnectionStarted || event == eventConnectionFailed || event == eventConnectionFinished
}

func (f frame) marshal() []byte {
	var buf bytes.Buffer
	buf.Write([]byte{
		protocolVersion<<4 | 0b0001,
		uint8(f.kind)<<4 | uint8(f.flags),
		f.serialization<<4 | f.compression,
		0,
	})

	put := func(v uint32) {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], v)
		buf.Write(b[:])
	}
	putString := func(s string) {
		put(uint32(len(s)))
		buf.WriteString(s)
	}

	if f.hasSequence() {
		put(uint32(f.sequence))
	}
	if f.hasEvent() {
		put(uint32(f.event))
		if eventCarriesSession(f.event) {
			putString(f.sessionID)
		}
		if eventCarriesConnect(f.event) {
			putString(f.connectID)
		}
	}
	if f.kind == kindServerError {
		put(f.errorCode)
	}
	put(uint32(len(f.payload)))
	buf.Write(f.payload)
	return buf.Bytes()
}

func parseFrame(data []byte) (frame, error) {
	r := bytes.NewReader(data)
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return frame{}, fmt.Errorf("read header: %w", err)
	}
	if v := head[0] >> 4; v != protocolVersion {
		return frame{}, fmt.Errorf("unsupported protocol version: %d", v)
	}

	f := frame{
		kind:          frameKind(head[1] >> 4),
		flags:         frameFlags(head[1] & 0x0F),
		serialization: head[2] >> 4,
		compression:   head[2] & 0x0F,
	}

	// header size is counted in 4-byte words
	if extra := int(head[0]&0x0F)*4 - 4; extra > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(extra)); err != nil {
			return frame{}, fmt.Errorf("read extended header: %w", err)
		}
	}

	readU32 := func(what string) (uint32, error) {
		var v uint32
		if err := binary.Read(r, binary.BigEndian, &v); err != nil {
			return 0, fmt.Errorf("read %s: %w", what, err)
		}
		return v, nil
	}
	readString := func(what string) (string, error) {
		n, err := readU32(what + " size")
		if err != nil {
			return "", err
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			return "", fmt.Errorf("read %s: %w", what, err)
		}
		return string(b), nil
	}

	if f.hasSequence() {
		v, err := readU32("sequence")
		if err != nil {
			return frame{}, err
		}
		f.sequence = int32(v)
	}
	if f.hasEvent() {
		v, err := readU32("event")
		if err != nil {
			return frame{}, err
		}
		f.event = int32(v)
		if eventCarriesSession(f.event) {
			if f.sessionID, err = readString("session id"); err != nil {
				return frame{}, err
			}
		}
		if eventCarriesConnect(f.event) {
			if f.connectID, err = readString("connect id"); err != nil {
				return frame{}, err
			}
		}
	}
	if f.kind == kindServerError {
		code, err := readU32("error code")
		if err != nil {
			return frame{}, err
		}
		f.errorCode = code
	}

	size, err := readU32("payload size")
	if err != nil {
		return frame{}, err
	}
	if int64(size) > int64(r.Len()) {
		return frame{}, fmt.Errorf("payload truncated: want %d bytes, have %d", size, r.Len())
	}
	f.payload = make([]byte, size)
	if _, err := io.ReadFull(r, f.payload); err != nil {
		return frame{}, fmt.Errorf("read payload: %w", err)
	}
	return f, nil
}

// requestFrame wraps a JSON request, gzip-compressed when compress is set.
func requestFrame(payload []byte, compress bool) (frame, error) {
	f := frame{kind: kindClientRequest, flags: flagNoSequence, serialization: serialJSON, compression: compressNone, payload: payload}
	if compress {
		zipped, err := gzipBytes(payload)
		if err != nil {
			return frame{}, err
		}
		f.compression = compressGzip
		f.payload = zipped
	}
	return f, nil
}

// audioFrame carries one gzip-compressed audio chunk. The final chunk gets a
// negated sequence number.
func audioFrame(chunk []byte, sequence int32, last bool) (frame, error) {
	zipped, err := gzipBytes(chunk)
	if err != nil {
		return frame{}, err
	}
	f := frame{kind: kindClientAudio, flags: flagSequence, serialization: serialNone, compression: compressGzip, sequence: sequence, payload: zipped}
	if last {
		f.flags = flagLastSequence
		f.sequence = -sequence
	}
	return f, nil
}
