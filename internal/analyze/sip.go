package analyze

import (
	"bytes"
	"fmt"
	"strconv"

	gosiplog "github.com/ghettovoice/gosip/log"
	"github.com/ghettovoice/gosip/sip"
	"github.com/ghettovoice/gosip/sip/parser"
	"github.com/sirupsen/logrus"

	"firestige.xyz/reasm/internal/reasm"
)

// SIP requests start with a known method, responses with the version tag.
var sipMethods = [][]byte{
	[]byte("INVITE"),
	[]byte("ACK"),
	[]byte("BYE"),
	[]byte("CANCEL"),
	[]byte("REGISTER"),
	[]byte("OPTIONS"),
	[]byte("PRACK"),
	[]byte("SUBSCRIBE"),
	[]byte("NOTIFY"),
	[]byte("PUBLISH"),
	[]byte("INFO"),
	[]byte("REFER"),
	[]byte("MESSAGE"),
	[]byte("UPDATE"),
}

var (
	sipVersion = []byte("SIP/2.0")
	crlfcrlf   = []byte("\r\n\r\n")
)

// sipStream couples one stream direction with its own table and a gosip
// parser for the completed messages.
type sipStream struct {
	table  *reasm.Table
	stream *reasm.Stream
	parser *parser.PacketParser
}

func newSIPStream(cfg reasm.Config) *sipStream {
	st := &sipStream{
		table:  reasm.NewTable(reasm.ByAddressPort, cfg),
		parser: parser.NewPacketParser(quietGosipLogger()),
	}
	st.stream = reasm.NewStream(st.table, sipBoundary{})
	return st
}

// describe parses a completed PDU with gosip and returns a one-line summary,
// empty when the bytes are not a SIP message.
func (st *sipStream) describe(data []byte) string {
	msg, err := st.parser.ParseMessage(data)
	if err != nil {
		return ""
	}
	switch m := msg.(type) {
	case sip.Request:
		return fmt.Sprintf("SIP request %s %s", m.Method(), m.Recipient())
	case sip.Response:
		return fmt.Sprintf("SIP response %d %s", m.StatusCode(), m.Reason())
	}
	return ""
}

// sipBoundary is the upper-layer parser for the streaming engine: it finds
// SIP message boundaries from the header block and Content-Length, without
// interpreting anything else.
type sipBoundary struct{}

// Parse reports the first complete message's length, or how many more bytes
// the pending one needs. A chunk that cannot be the start of a SIP message
// is consumed whole as opaque data.
func (sipBoundary) Parse(_ *reasm.FrameInfo, data []byte) (reasm.ParseOutcome, error) {
	if !looksLikeSIP(data) {
		return reasm.ParseOutcome{Consumed: len(data)}, nil
	}
	headerEnd := bytes.Index(data, crlfcrlf)
	if headerEnd < 0 {
		// Header block still open; no way to size the message yet.
		return reasm.ParseOutcome{Need: reasm.NeedMoreSegment}, nil
	}
	total := headerEnd + len(crlfcrlf) + contentLength(data[:headerEnd])
	if total <= len(data) {
		return reasm.ParseOutcome{Consumed: total}, nil
	}
	return reasm.ParseOutcome{Need: total - len(data)}, nil
}

func looksLikeSIP(data []byte) bool {
	if bytes.HasPrefix(data, sipVersion) {
		return true
	}
	for _, m := range sipMethods {
		if bytes.HasPrefix(data, m) && len(data) > len(m) && data[len(m)] == ' ' {
			return true
		}
	}
	// A short prefix of a method or the version tag may still grow into one.
	if len(data) < len(sipVersion) {
		if bytes.HasPrefix(sipVersion, data) {
			return true
		}
		for _, m := range sipMethods {
			if len(data) <= len(m) && bytes.HasPrefix(m, data) {
				return true
			}
		}
	}
	return false
}

// contentLength extracts the body size from the header block, accepting the
// compact "l" form. Missing header means no body.
func contentLength(headers []byte) int {
	for _, line := range bytes.Split(headers, []byte("\r\n")) {
		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		name := bytes.TrimSpace(line[:colon])
		if !bytes.EqualFold(name, []byte("Content-Length")) && !bytes.EqualFold(name, []byte("l")) {
			continue
		}
		if n, err := strconv.Atoi(string(bytes.TrimSpace(line[colon+1:]))); err == nil && n >= 0 {
			return n
		}
	}
	return 0
}

// quietGosipLogger satisfies gosip's logger interface without leaking its
// internal chatter above error level.
func quietGosipLogger() gosiplog.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return &gosipAdapter{entry: logrus.NewEntry(l)}
}

type gosipAdapter struct {
	entry *logrus.Entry
}

func (a *gosipAdapter) Print(args ...interface{})                 { a.entry.Print(args...) }
func (a *gosipAdapter) Printf(f string, args ...interface{})      { a.entry.Printf(f, args...) }
func (a *gosipAdapter) Trace(args ...interface{})                 { a.entry.Trace(args...) }
func (a *gosipAdapter) Tracef(f string, args ...interface{})      { a.entry.Tracef(f, args...) }
func (a *gosipAdapter) Debug(args ...interface{})                 { a.entry.Debug(args...) }
func (a *gosipAdapter) Debugf(f string, args ...interface{})      { a.entry.Debugf(f, args...) }
func (a *gosipAdapter) Info(args ...interface{})                  { a.entry.Info(args...) }
func (a *gosipAdapter) Infof(f string, args ...interface{})       { a.entry.Infof(f, args...) }
func (a *gosipAdapter) Warn(args ...interface{})                  { a.entry.Warn(args...) }
func (a *gosipAdapter) Warnf(f string, args ...interface{})       { a.entry.Warnf(f, args...) }
func (a *gosipAdapter) Error(args ...interface{})                 { a.entry.Error(args...) }
func (a *gosipAdapter) Errorf(f string, args ...interface{})      { a.entry.Errorf(f, args...) }
func (a *gosipAdapter) Fatal(args ...interface{})                 { a.entry.Fatal(args...) }
func (a *gosipAdapter) Fatalf(f string, args ...interface{})      { a.entry.Fatalf(f, args...) }
func (a *gosipAdapter) Panic(args ...interface{})                 { a.entry.Panic(args...) }
func (a *gosipAdapter) Panicf(f string, args ...interface{})      { a.entry.Panicf(f, args...) }
func (a *gosipAdapter) Fields() gosiplog.Fields                   { return gosiplog.Fields{} }
func (a *gosipAdapter) WithFields(map[string]interface{}) gosiplog.Logger { return a }
func (a *gosipAdapter) Prefix() string                            { return "" }
func (a *gosipAdapter) WithPrefix(string) gosiplog.Logger         { return a }
func (a *gosipAdapter) SetLevel(uint32)                           {}
