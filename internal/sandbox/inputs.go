package sandbox

import (
	"encoding/binary"
	"fmt"
	"sort"
)

const (
	// backendInputsArena is the size of the persistent guest region the
	// input structs are stacked into.
	backendInputsArena = 64 << 10

	// maxBackendHeaders bounds the header array delivered to the guest.
	maxBackendHeaders = 64

	backendInputsSize  = 104
	backendHeaderSize  = 16
	maxHeaderFieldSize = 16 << 10
)

// backendInputs mirrors the guest-ABI struct delivered at the request
// argument register. All pointers are guest addresses of
// NUL-terminated strings pushed onto the persistent inputs stack.
type backendInputs struct {
	method, url, arg, ctype                uint64
	methodLen, urlLen, argLen, ctypeLen    uint16
	data, dataLen                          uint64
	headers                                uint64
	numHeaders, infoFlags, reqID, reserved uint16
	prng                                   [2]uint64
}

// marshal packs the struct into its 104-byte wire form.
func (in *backendInputs) marshal() []byte {
	buf := make([]byte, backendInputsSize)
	le := binary.LittleEndian
	le.PutUint64(buf[0:], in.method)
	le.PutUint64(buf[8:], in.url)
	le.PutUint64(buf[16:], in.arg)
	le.PutUint64(buf[24:], in.ctype)
	le.PutUint16(buf[32:], in.methodLen)
	le.PutUint16(buf[34:], in.urlLen)
	le.PutUint16(buf[36:], in.argLen)
	le.PutUint16(buf[38:], in.ctypeLen)
	le.PutUint64(buf[40:], in.data)
	le.PutUint64(buf[48:], in.dataLen)
	le.PutUint64(buf[56:], in.headers)
	le.PutUint16(buf[64:], in.numHeaders)
	le.PutUint16(buf[66:], in.infoFlags)
	le.PutUint16(buf[68:], in.reqID)
	le.PutUint16(buf[70:], in.reserved)
	le.PutUint64(buf[72:], in.prng[0])
	le.PutUint64(buf[80:], in.prng[1])
	// buf[88:104] reserved.
	return buf
}

// fillBackendInputs pushes the request fields onto the inputs stack and
// records their guest addresses. An empty body leaves data NULL but
// points ctype at a guaranteed zero terminator.
func fillBackendInputs(mi *MachineInstance, sp *uint64, req *Request, in *backendInputs) error {
	m := mi.machine

	pushCstr := func(s string) (uint64, error) {
		return m.StackPush(sp, append([]byte(s), 0))
	}

	addr, err := pushCstr(req.Method)
	if err != nil {
		return err
	}
	in.method = addr
	in.methodLen = uint16(len(req.Method))

	addr, err = pushCstr(req.Path)
	if err != nil {
		return err
	}
	in.url = addr
	in.urlLen = uint16(len(req.Path))

	addr, err = pushCstr(req.Query)
	if err != nil {
		return err
	}
	in.arg = addr
	in.argLen = uint16(len(req.Query))

	if len(req.Body) > 0 {
		addr, err = pushCstr(req.ContentType)
		if err != nil {
			return err
		}
		in.ctype = addr
		in.ctypeLen = uint16(len(req.ContentType))

		addr, err = m.StackPush(sp, req.Body)
		if err != nil {
			return err
		}
		in.data = addr
		in.dataLen = uint64(len(req.Body))
		mi.stats.InputBytes += uint64(len(req.Body))
	} else {
		// Guarantee a readable string: the URL's own terminator.
		in.ctype = in.url + uint64(in.urlLen)
		in.ctypeLen = 0
		in.data = 0
		in.dataLen = 0
	}
	return nil
}

// fillBackendHeaders pushes each header as a "Name: Value" field plus a
// descriptor array. Header order is by name, so the guest sees a stable
// layout.
func fillBackendHeaders(mi *MachineInstance, sp *uint64, req *Request, in *backendInputs) error {
	m := mi.machine

	if len(req.Headers) == 0 {
		in.headers = 0
		in.numHeaders = 0
		in.reqID = mi.requestID
		return nil
	}
	if len(req.Headers) > maxBackendHeaders {
		return fmt.Errorf("%w: %d", ErrTooManyHeaders, len(req.Headers))
	}

	names := make([]string, 0, len(req.Headers))
	for name := range req.Headers {
		names = append(names, name)
	}
	sort.Strings(names)

	desc := make([]byte, len(names)*backendHeaderSize)
	le := binary.LittleEndian
	for i, name := range names {
		field := name + ": " + req.Headers[name]
		if len(field) >= maxHeaderFieldSize {
			return fmt.Errorf("header field too long: %s", name)
		}
		addr, err := m.StackPush(sp, append([]byte(field), 0))
		if err != nil {
			return err
		}
		le.PutUint64(desc[i*backendHeaderSize:], addr)
		le.PutUint32(desc[i*backendHeaderSize+8:], uint32(len(name)))
		le.PutUint32(desc[i*backendHeaderSize+12:], uint32(len(field)))
	}

	addr, err := m.StackPush(sp, desc)
	if err != nil {
		return err
	}
	in.headers = addr
	in.numHeaders = uint16(len(names))
	in.reqID = mi.requestID
	return nil
}
