package protocol

type parserState int

const (
	awaitingHeader parserState = iota
	awaitingBody
)

// Parser reassembles frames from a byte stream that may be split at any
// position. Feed it with Write (it is an io.Writer, so io.Copy works); each
// completed header and body is reported to the registered observers in
// stream order.
//
// A header with a bad magic value poisons the parser: that Write and every
// later one return the same *ProtocolError.
type Parser struct {
	state  parserState
	header Header
	buf    []byte
	err    error

	onHeader  []func(Header)
	onMessage []func(payload []byte, callbackID uint32)
}

// NewParser returns a parser waiting for its first header.
func NewParser() *Parser {
	return &Parser{buf: make([]byte, 0, HeaderSize)}
}

// OnHeader registers fn to observe every decoded header.
func (p *Parser) OnHeader(fn func(Header)) {
	p.onHeader = append(p.onHeader, fn)
}

// OnMessage registers fn to receive every completed frame body. The payload
// slice is owned by the observers and never reused by the parser.
func (p *Parser) OnMessage(fn func(payload []byte, callbackID uint32)) {
	p.onMessage = append(p.onMessage, fn)
}

// Err returns the error that poisoned the parser, if any.
func (p *Parser) Err() error { return p.err }

func (p *Parser) need() int {
	if p.state == awaitingHeader {
		return HeaderSize
	}
	return int(p.header.Length)
}

func (p *Parser) Write(data []byte) (int, error) {
	if p.err != nil {
		return 0, p.err
	}
	total := len(data)
	for len(data) > 0 {
		take := p.need() - len(p.buf)
		if take > len(data) {
			take = len(data)
		}
		p.buf = append(p.buf, data[:take]...)
		data = data[take:]

		if len(p.buf) < p.need() {
			break
		}
		if err := p.advance(); err != nil {
			p.err = err
			return total - len(data), err
		}
	}
	return total, nil
}

func (p *Parser) advance() error {
	switch p.state {
	case awaitingHeader:
		h, err := DecodeHeader(p.buf)
		if err != nil {
			return err
		}
		p.header = h
		p.buf = p.buf[:0]
		for _, fn := range p.onHeader {
			fn(h)
		}
		if h.Length == 0 {
			p.emit(nil)
			return nil
		}
		p.state = awaitingBody
		p.buf = make([]byte, 0, min(int(h.Length), 64<<10))
	case awaitingBody:
		payload := p.buf
		p.buf = make([]byte, 0, HeaderSize)
		p.state = awaitingHeader
		p.emit(payload)
	}
	return nil
}

func (p *Parser) emit(payload []byte) {
	for _, fn := range p.onMessage {
		fn(payload, p.header.CallbackID)
	}
}
