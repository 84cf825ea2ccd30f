// Package feed implements the stdin write protocol: a stream of key/value
// records applied to an input directory.
//
// Wire format, line oriented:
//
//	key<TAB>"value"<NL>
//
// The key runs up to the first unescaped tab. The value begins with '"',
// continues until an unescaped newline, and terminates with '"' immediately
// before it. Escapes in both keys and values: \\ -> \, \t -> tab,
// \n -> newline, \" -> ". Any other backslash is literal. A blank key (a
// bare newline) separates logical batches; each batch is flushed to the
// target directory as one dirty-propagation step.
//
// The parser is an explicit state machine, not a goroutine generator: it
// holds its position across Feed calls, so the stream tolerates arbitrary
// chunk splits - feeding any sequence of truncations of a stream followed by
// the rest of it parses to the same records.
package feed

import (
	"fmt"
	"sort"

	"github.com/skiplabs/skfs/internal/engine"
	"github.com/skiplabs/skfs/internal/value"
)

// Rec is one parsed record: a key/value pair, or a batch separator.
type Rec struct {
	Key   string
	Value string

	// Sep marks a batch separator (blank key). Key and Value are empty.
	Sep bool
}

// parser states.
const (
	stateKey   = iota // accumulating key bytes, before the tab
	stateQuote        // after the tab, expecting the opening '"'
	stateValue        // accumulating value bytes, before the newline
)

// Parser is the split-tolerant protocol state machine.
type Parser struct {
	state int
	esc   bool
	key   []byte
	val   []byte

	// lastLiteralQuote tracks whether the most recent value byte is an
	// unescaped '"' - the candidate closing quote.
	lastLiteralQuote bool

	out []Rec
	err error
}

// NewParser creates a parser positioned at the start of a record.
func NewParser() *Parser {
	return &Parser{}
}

// Feed consumes one chunk. Completed records become available via Next.
// Malformed input puts the parser into a sticky error state.
func (p *Parser) Feed(chunk []byte) {
	if p.err != nil {
		return
	}
	for _, b := range chunk {
		p.feedByte(b)
		if p.err != nil {
			return
		}
	}
}

func (p *Parser) feedByte(b byte) {
	switch p.state {
	case stateKey:
		if p.esc {
			p.key = appendUnescaped(p.key, b)
			p.esc = false
			return
		}
		switch b {
		case '\\':
			p.esc = true
		case '\t':
			p.state = stateQuote
		case '\n':
			if len(p.key) != 0 {
				p.err = fmt.Errorf("feed: key %q without value", p.key)
				return
			}
			p.out = append(p.out, Rec{Sep: true})
		default:
			p.key = append(p.key, b)
		}

	case stateQuote:
		if b != '"' {
			p.err = fmt.Errorf("feed: value for key %q does not begin with quote", p.key)
			return
		}
		p.state = stateValue
		p.val = p.val[:0]
		p.lastLiteralQuote = false

	case stateValue:
		if p.esc {
			p.val = appendUnescaped(p.val, b)
			p.esc = false
			p.lastLiteralQuote = false
			return
		}
		switch b {
		case '\\':
			p.esc = true
		case '\n':
			if !p.lastLiteralQuote {
				p.err = fmt.Errorf("feed: value for key %q not terminated by quote", p.key)
				return
			}
			p.out = append(p.out, Rec{
				Key:   string(p.key),
				Value: string(p.val[:len(p.val)-1]),
			})
			p.key = p.key[:0]
			p.state = stateKey
		default:
			p.val = append(p.val, b)
			p.lastLiteralQuote = b == '"'
		}
	}
}

// appendUnescaped appends the expansion of a backslash escape. Only
// \\ \t \n \" are escape sequences; any other backslash is literal.
func appendUnescaped(dst []byte, b byte) []byte {
	switch b {
	case 't':
		return append(dst, '\t')
	case 'n':
		return append(dst, '\n')
	case '\\', '"':
		return append(dst, b)
	}
	return append(dst, '\\', b)
}

// Next pops the oldest completed record.
func (p *Parser) Next() (Rec, bool) {
	if len(p.out) == 0 {
		return Rec{}, false
	}
	r := p.out[0]
	p.out = p.out[1:]
	return r, true
}

// Drain pops all completed records.
func (p *Parser) Drain() []Rec {
	recs := p.out
	p.out = nil
	return recs
}

// Finish reports the sticky parse error, or an error if the stream ended
// mid-record.
func (p *Parser) Finish() error {
	if p.err != nil {
		return p.err
	}
	if p.state != stateKey || len(p.key) != 0 || p.esc {
		return fmt.Errorf("feed: stream ended mid-record")
	}
	return nil
}

// Batches groups records into batches at separators, dropping empty batches.
// Duplicate keys within a batch accumulate into one value array, in stream
// order.
func Batches(recs []Rec) [][]engine.KeyValues {
	var out [][]engine.KeyValues
	order := make([]string, 0)
	acc := make(map[string][]value.File)

	flush := func() {
		if len(order) == 0 {
			return
		}
		batch := make([]engine.KeyValues, 0, len(order))
		keys := append([]string(nil), order...)
		sort.Strings(keys)
		for _, k := range keys {
			batch = append(batch, engine.KeyValues{Key: value.SID(k), Values: acc[k]})
		}
		out = append(out, batch)
		order = order[:0]
		acc = make(map[string][]value.File)
	}

	for _, r := range recs {
		if r.Sep {
			flush()
			continue
		}
		if _, ok := acc[r.Key]; !ok {
			order = append(order, r.Key)
		}
		acc[r.Key] = append(acc[r.Key], value.StringFile(r.Value))
	}
	flush()
	return out
}

// Apply writes parsed records into an input directory, one WriteArrayMany
// call (one tick) per batch, running Update between batches so each batch is
// one dirty-propagation step.
func Apply(ctx *engine.Context, dir engine.EHandle, recs []Rec) error {
	for _, batch := range Batches(recs) {
		if err := dir.WriteArrayMany(ctx, batch); err != nil {
			return err
		}
		if err := ctx.Update(); err != nil {
			return err
		}
	}
	return nil
}
