// Package protocol implements the vendor's length-delimited frame format.
//
// Frames use the varint/length-delimited field encoding: every field starts
// with tag = (field_number << 3) | wire_type, wire_type 0 for varints and 2
// for length-delimited sections. Only those two wire types appear on this
// feed; decoders skip anything else they can identify and reject what they
// cannot.
//
// Outbound, the one frame the client ever sends is the subscription blob
// (EncodeSubscribe). Inbound, the payload of interest is the orderbook
// message nested inside top-level field 10 (DecodeFrame), whose textual book
// is parsed by ParseBook.
package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"idx-tape/pkg/types"
)

const (
	wireVarint    = 0
	wireLengthDel = 2
)

// ————————————————————————————————————————————————————————————————————————
// Encoding
// ————————————————————————————————————————————————————————————————————————

// EncodeSubscribe builds the subscription frame sent immediately after the
// socket opens:
//
//	field 1: user id as decimal text
//	field 2: nested container of repeated field-2 strings — each ticker in
//	         four channel variants (T, 2T, :T, JT), all plain tickers first,
//	         then all 2-prefixed, and so on
//	field 3: trading key
//	field 5: bearer token
//
// The 4-way expansion and its ordering are what the vendor observes; they
// must be reproduced exactly.
func EncodeSubscribe(userID int64, tickers []string, tradingKey, bearer string) []byte {
	var inner []byte
	for _, prefix := range []string{"", "2", ":", "J"} {
		for _, t := range tickers {
			inner = appendStringField(inner, 2, prefix+t)
		}
	}

	var msg []byte
	msg = appendStringField(msg, 1, strconv.FormatInt(userID, 10))
	msg = appendVarint(append(msg, byte(2<<3|wireLengthDel)), uint64(len(inner)))
	msg = append(msg, inner...)
	msg = appendStringField(msg, 3, tradingKey)
	msg = appendStringField(msg, 5, bearer)
	return msg
}

func appendStringField(buf []byte, fieldNumber int, value string) []byte {
	buf = appendVarint(buf, uint64(fieldNumber<<3|wireLengthDel))
	buf = appendVarint(buf, uint64(len(value)))
	return append(buf, value...)
}

func appendVarint(buf []byte, v uint64) []byte {
	for v > 127 {
		buf = append(buf, byte(v&0x7F|0x80))
		v >>= 7
	}
	return append(buf, byte(v))
}

// ————————————————————————————————————————————————————————————————————————
// Decoding
// ————————————————————————————————————————————————————————————————————————

// field is one decoded top-level or nested field. Exactly one of varint/bytes
// is meaningful depending on the wire type.
type field struct {
	number int
	wire   int
	varint uint64
	bytes  []byte
}

// decodeFields walks a frame and returns its fields in order. Varints and
// length-delimited sections are consumed; any other wire type aborts with an
// error so the caller can drop the frame.
func decodeFields(data []byte) ([]field, error) {
	var fields []field
	pos := 0
	for pos < len(data) {
		tag, n, err := readVarint(data[pos:])
		if err != nil {
			return nil, fmt.Errorf("tag at offset %d: %w", pos, err)
		}
		pos += n
		f := field{number: int(tag >> 3), wire: int(tag & 0x7)}

		switch f.wire {
		case wireVarint:
			v, n, err := readVarint(data[pos:])
			if err != nil {
				return nil, fmt.Errorf("varint field %d: %w", f.number, err)
			}
			f.varint = v
			pos += n
		case wireLengthDel:
			length, n, err := readVarint(data[pos:])
			if err != nil {
				return nil, fmt.Errorf("length of field %d: %w", f.number, err)
			}
			pos += n
			if uint64(len(data)-pos) < length {
				return nil, fmt.Errorf("field %d: declared %d bytes, %d remain", f.number, length, len(data)-pos)
			}
			f.bytes = data[pos : pos+int(length)]
			pos += int(length)
		default:
			return nil, fmt.Errorf("field %d: unsupported wire type %d", f.number, f.wire)
		}
		fields = append(fields, f)
	}
	return fields, nil
}

func readVarint(data []byte) (uint64, int, error) {
	var v uint64
	var shift uint
	for i, b := range data {
		if i >= 10 {
			break
		}
		v |= uint64(b&0x7F) << shift
		if b&0x80 == 0 {
			return v, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, fmt.Errorf("truncated varint")
}

// OrderbookMessage is the nested payload carried in top-level field 10.
type OrderbookMessage struct {
	Ticker    string // nested field 1
	Book      string // nested field 2: "#O|TICKER|SIDE|PRICE;LOTS;VALUE|…"
	Timestamp string // top-level field 5 or 9 when present
}

// DecodeFrame extracts the orderbook message from an inbound frame. Frames
// without a field-10 payload (acks, heartbeats) return (nil, nil); malformed
// frames return an error and should be dropped, not treated as fatal.
func DecodeFrame(data []byte) (*OrderbookMessage, error) {
	fields, err := decodeFields(data)
	if err != nil {
		return nil, err
	}

	var msg *OrderbookMessage
	var timestamp string
	for _, f := range fields {
		switch f.number {
		case 5, 9:
			if f.wire == wireLengthDel && timestamp == "" {
				timestamp = string(f.bytes)
			}
		case 10:
			if f.wire != wireLengthDel {
				continue
			}
			nested, err := decodeFields(f.bytes)
			if err != nil {
				return nil, fmt.Errorf("nested orderbook: %w", err)
			}
			msg = &OrderbookMessage{}
			for _, nf := range nested {
				if nf.wire != wireLengthDel {
					continue
				}
				switch nf.number {
				case 1:
					msg.Ticker = strings.ToUpper(strings.TrimSpace(string(nf.bytes)))
				case 2:
					msg.Book = string(nf.bytes)
				}
			}
		}
	}

	if msg != nil {
		msg.Timestamp = timestamp
	}
	return msg, nil
}

// ParseBook parses the pipe-delimited textual orderbook:
//
//	#O|TICKER|SIDE|PRICE;LOTS;VALUE|PRICE;LOTS;VALUE|…
//
// Individual levels that fail to parse are skipped; the frame's remaining
// levels still apply.
func ParseBook(raw string) (types.Side, []types.Level, error) {
	parts := strings.Split(raw, "|")
	if len(parts) < 4 {
		return "", nil, fmt.Errorf("orderbook payload has %d segments, want >= 4", len(parts))
	}

	side := types.Side(strings.TrimSpace(parts[2]))
	if side != types.BID && side != types.OFFER {
		return "", nil, fmt.Errorf("unknown book side %q", parts[2])
	}

	levels := make([]types.Level, 0, len(parts)-3)
	for _, seg := range parts[3:] {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		lv, err := parseLevel(seg)
		if err != nil {
			continue
		}
		levels = append(levels, lv)
	}
	return side, levels, nil
}

func parseLevel(seg string) (types.Level, error) {
	fields := strings.Split(seg, ";")
	if len(fields) < 3 {
		return types.Level{}, fmt.Errorf("level %q: want PRICE;LOTS;VALUE", seg)
	}
	price, err := decimal.NewFromString(fields[0])
	if err != nil {
		return types.Level{}, fmt.Errorf("price %q: %w", fields[0], err)
	}
	lots, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return types.Level{}, fmt.Errorf("lots %q: %w", fields[1], err)
	}
	value, err := decimal.NewFromString(fields[2])
	if err != nil {
		return types.Level{}, fmt.Errorf("value %q: %w", fields[2], err)
	}
	return types.Level{Price: price, Lots: lots, TotalValue: value}, nil
}
