package sandbox

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/kvmbox/kvmbox/internal/machine"
)

// Out-of-VM fetch limits. The content buffer is over-allocated and
// immediately relaxed after the transfer, so the ceiling is cheap.
const (
	fetchConnTimeout  = 5 * time.Second
	fetchReadTimeout  = 8 * time.Second
	fetchURLMaxLength = 1024
	fetchBufferMax    = 256 << 20
	fetchFieldsNum    = 12
	fetchCTypeLen     = 128
	fetchHeadersMin   = 64
)

var fetchClient = &http.Client{
	Timeout: fetchReadTimeout,
	Transport: &http.Transport{
		DialContext: (&net.Dialer{Timeout: fetchConnTimeout}).DialContext,
	},
}

// fetchResult mirrors the 176-byte guest opresult struct.
type fetchResult struct {
	status        uint32
	postBuflen    uint32
	postAddr      uint64
	headers       uint64
	headersLength uint32
	contentAddr   uint64
	contentLength uint32
	ctLength      uint32
	ctype         [fetchCTypeLen]byte
}

const fetchResultSize = 48 + fetchCTypeLen

func (r *fetchResult) unmarshal(buf []byte) {
	le := binary.LittleEndian
	r.status = le.Uint32(buf[0:])
	r.postBuflen = le.Uint32(buf[4:])
	r.postAddr = le.Uint64(buf[8:])
	r.headers = le.Uint64(buf[16:])
	r.headersLength = le.Uint32(buf[24:])
	// buf[28:32] unused
	r.contentAddr = le.Uint64(buf[32:])
	r.contentLength = le.Uint32(buf[40:])
	r.ctLength = le.Uint32(buf[44:])
	copy(r.ctype[:], buf[48:])
}

func (r *fetchResult) marshal() []byte {
	buf := make([]byte, fetchResultSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], r.status)
	le.PutUint32(buf[4:], r.postBuflen)
	le.PutUint64(buf[8:], r.postAddr)
	le.PutUint64(buf[16:], r.headers)
	le.PutUint32(buf[24:], r.headersLength)
	le.PutUint64(buf[32:], r.contentAddr)
	le.PutUint32(buf[40:], r.contentLength)
	le.PutUint32(buf[44:], r.ctLength)
	copy(buf[48:], r.ctype[:])
	return buf
}

// syscallFetch performs an out-of-VM HTTP fetch on behalf of the
// guest: rdi=url, rsi=url length, rdx=opresult buffer, rcx=request
// fields buffer, r8=options (ignored beyond follow-location default).
// Network failures surface as negative return codes, never as a failed
// dispatch.
func (mi *MachineInstance) syscallFetch(m machine.Machine, regs machine.Registers) uint64 {
	url, err := m.BufferToString(regs.RDI, regs.RSI, fetchURLMaxLength)
	if err != nil || url == "" {
		return ^uint64(0)
	}

	// A leading slash is a self-request against our own front end.
	if strings.HasPrefix(url, "/") {
		url = mi.tenant.runtime.Settings.SelfRequestPrefix + url
	}

	opBuf := make([]byte, fetchResultSize)
	if err := m.CopyFromGuest(opBuf, regs.RDX); err != nil {
		return ^uint64(0)
	}
	var opres fetchResult
	opres.unmarshal(opBuf)

	// Request header fields.
	var fields []string
	if regs.RCX != 0 {
		raw := make([]byte, fetchFieldsNum*8+fetchFieldsNum*2)
		if err := m.CopyFromGuest(raw, regs.RCX); err != nil {
			return ^uint64(0)
		}
		for i := 0; i < fetchFieldsNum; i++ {
			addr := binary.LittleEndian.Uint64(raw[i*8:])
			length := binary.LittleEndian.Uint16(raw[fetchFieldsNum*8+i*2:])
			if addr == 0 || length == 0 {
				continue
			}
			field, err := m.BufferToString(addr, uint64(length), 0)
			if err != nil {
				return ^uint64(0)
			}
			fields = append(fields, field)
		}
	}

	managedContent := false
	if opres.contentAddr == 0 {
		addr, err := m.MmapAllocate(fetchBufferMax)
		if err != nil {
			return ^uint64(0)
		}
		opres.contentAddr = addr
		opres.contentLength = fetchBufferMax
		managedContent = true
	}
	relaxTo := func(size uint64) {
		if managedContent {
			_ = m.MmapRelax(opres.contentAddr, fetchBufferMax, size)
		}
	}

	isPost := opres.postAddr != 0 && opres.postBuflen != 0
	method := http.MethodGet
	var body io.Reader
	if isPost {
		method = http.MethodPost
		post := make([]byte, opres.postBuflen)
		if err := m.CopyFromGuest(post, opres.postAddr); err != nil {
			relaxTo(0)
			return ^uint64(0)
		}
		body = bytes.NewReader(post)
	}

	mi.logger.Info("fetch", "tenant", mi.Name(), "url", url, "method", method)

	req, err := http.NewRequest(method, url, body)
	if err != nil {
		relaxTo(0)
		return ^uint64(0)
	}
	for _, field := range fields {
		name, value, ok := strings.Cut(field, ":")
		if ok {
			req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
		}
	}
	if isPost && opres.ctLength > 0 && opres.ctLength < fetchCTypeLen {
		req.Header.Set("Content-Type", string(opres.ctype[:opres.ctLength]))
	}

	resp, err := fetchClient.Do(req)
	if err != nil {
		mi.logger.Warn("fetch error", "tenant", mi.Name(), "error", err)
		relaxTo(0)
		return ^uint64(0)
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(io.LimitReader(resp.Body, int64(opres.contentLength)))
	if err != nil {
		relaxTo(0)
		return ^uint64(0)
	}
	if err := m.CopyToGuest(opres.contentAddr, content); err != nil {
		relaxTo(0)
		return ^uint64(0)
	}
	opres.contentLength = uint32(len(content))
	relaxTo(uint64(len(content)))

	opres.status = uint32(resp.StatusCode)
	ctype := resp.Header.Get("Content-Type")
	if ctype != "" {
		n := copy(opres.ctype[:fetchCTypeLen-1], ctype)
		opres.ctype[n] = 0
		opres.ctLength = uint32(n + 1)
	} else {
		opres.ctLength = 0
	}

	// Response headers, rendered in wire form, when the guest asked.
	if opres.headersLength >= fetchHeadersMin || opres.headers != 0 {
		var sb strings.Builder
		fmt.Fprintf(&sb, "%s %s\r\n", resp.Proto, resp.Status)
		_ = resp.Header.Write(&sb)
		headers := sb.String()
		withZero := append([]byte(headers), 0)

		if opres.headers == 0 {
			addr, err := m.MmapAllocate(uint64(len(withZero)))
			if err == nil {
				opres.headers = addr
				opres.headersLength = uint32(len(headers))
				_ = m.CopyToGuest(addr, withZero)
			}
		} else {
			if uint32(len(withZero)) > opres.headersLength {
				withZero = withZero[:opres.headersLength]
				withZero[len(withZero)-1] = 0
			}
			opres.headersLength = uint32(len(withZero) - 1)
			_ = m.CopyToGuest(opres.headers, withZero)
		}
	}

	if err := m.CopyToGuest(regs.RDX, opres.marshal()); err != nil {
		return ^uint64(0)
	}
	mi.logger.Info("fetch complete",
		"tenant", mi.Name(), "status", resp.StatusCode, "bytes", len(content))
	return 0
}
