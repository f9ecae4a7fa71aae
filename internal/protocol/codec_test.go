package protocol

import (
	"bytes"
	"testing"

	"idx-tape/pkg/types"
)

func TestEncodeSubscribeDeterministic(t *testing.T) {
	t.Parallel()

	a := EncodeSubscribe(123, []string{"BBCA", "TLKM"}, "key", "bearer")
	b := EncodeSubscribe(123, []string{"BBCA", "TLKM"}, "key", "bearer")
	if !bytes.Equal(a, b) {
		t.Error("identical inputs must produce byte-identical frames")
	}
}

func TestEncodeSubscribeFieldLayout(t *testing.T) {
	t.Parallel()

	frame := EncodeSubscribe(4871, []string{"BBCA", "TLKM"}, "tk-123", "jwt-abc")
	fields, err := decodeFields(frame)
	if err != nil {
		t.Fatalf("decode own frame: %v", err)
	}
	if len(fields) != 4 {
		t.Fatalf("got %d top-level fields, want 4", len(fields))
	}

	if fields[0].number != 1 || string(fields[0].bytes) != "4871" {
		t.Errorf("field 1 = %q, want ASCII user id", fields[0].bytes)
	}
	if fields[2].number != 3 || string(fields[2].bytes) != "tk-123" {
		t.Errorf("field 3 = %q, want trading key", fields[2].bytes)
	}
	if fields[3].number != 5 || string(fields[3].bytes) != "jwt-abc" {
		t.Errorf("field 5 = %q, want bearer", fields[3].bytes)
	}

	// The nested container holds 4×N strings in channel-variant order:
	// all plain tickers, then 2-, :-, J-prefixed.
	inner, err := decodeFields(fields[1].bytes)
	if err != nil {
		t.Fatalf("decode nested container: %v", err)
	}
	want := []string{"BBCA", "TLKM", "2BBCA", "2TLKM", ":BBCA", ":TLKM", "JBBCA", "JTLKM"}
	if len(inner) != len(want) {
		t.Fatalf("nested container has %d entries, want %d", len(inner), len(want))
	}
	for i, f := range inner {
		if f.number != 2 {
			t.Errorf("nested entry %d has field number %d, want 2", i, f.number)
		}
		if string(f.bytes) != want[i] {
			t.Errorf("nested entry %d = %q, want %q", i, f.bytes, want[i])
		}
	}
}

// encodeTestFrame builds an inbound frame carrying an orderbook payload in
// field 10, the way the vendor does.
func encodeTestFrame(ticker, book, timestamp string) []byte {
	var nested []byte
	nested = appendStringField(nested, 1, ticker)
	nested = appendStringField(nested, 2, book)

	var frame []byte
	if timestamp != "" {
		frame = appendStringField(frame, 5, timestamp)
	}
	frame = appendVarint(append(frame, byte(10<<3|wireLengthDel)), uint64(len(nested)))
	return append(frame, nested...)
}

func TestDecodeFrameOrderbook(t *testing.T) {
	t.Parallel()

	raw := "#O|BBCA|BID|8200;100;820000|8150;50;407500"
	msg, err := DecodeFrame(encodeTestFrame("BBCA", raw, "10:31:05"))
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if msg == nil {
		t.Fatal("DecodeFrame returned nil for a frame with field 10")
	}
	if msg.Ticker != "BBCA" {
		t.Errorf("ticker = %q, want BBCA", msg.Ticker)
	}
	if msg.Timestamp != "10:31:05" {
		t.Errorf("timestamp = %q, want 10:31:05", msg.Timestamp)
	}

	side, levels, err := ParseBook(msg.Book)
	if err != nil {
		t.Fatalf("ParseBook: %v", err)
	}
	if side != types.BID {
		t.Errorf("side = %q, want BID", side)
	}
	if len(levels) != 2 {
		t.Fatalf("got %d levels, want 2", len(levels))
	}
	if levels[0].Price.String() != "8200" || levels[0].Lots != 100 || levels[0].TotalValue.String() != "820000" {
		t.Errorf("level 0 = %+v, want 8200;100;820000", levels[0])
	}
	if levels[1].Price.String() != "8150" || levels[1].Lots != 50 || levels[1].TotalValue.String() != "407500" {
		t.Errorf("level 1 = %+v, want 8150;50;407500", levels[1])
	}
}

func TestDecodeFrameWithoutOrderbook(t *testing.T) {
	t.Parallel()

	// A frame carrying only unknown fields decodes cleanly to nil.
	var frame []byte
	frame = appendVarint(append(frame, byte(4<<3|wireVarint)), 99)
	frame = appendStringField(frame, 7, "ack")

	msg, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if msg != nil {
		t.Errorf("expected nil message, got %+v", msg)
	}
}

func TestDecodeFrameTruncated(t *testing.T) {
	t.Parallel()

	frame := encodeTestFrame("BBCA", "#O|BBCA|BID|100;1;100", "")
	if _, err := DecodeFrame(frame[:len(frame)-5]); err == nil {
		t.Error("truncated frame should fail to decode")
	}
}

func TestParseBookOffer(t *testing.T) {
	t.Parallel()

	side, levels, err := ParseBook("#O|GOTO|OFFER|62;123456;7654272|63;99;6237")
	if err != nil {
		t.Fatalf("ParseBook: %v", err)
	}
	if side != types.OFFER {
		t.Errorf("side = %q, want OFFER", side)
	}
	if len(levels) != 2 {
		t.Errorf("got %d levels, want 2", len(levels))
	}
}

func TestParseBookSkipsBadLevels(t *testing.T) {
	t.Parallel()

	_, levels, err := ParseBook("#O|BBCA|BID|8200;100;820000|garbage|8150;50;407500|")
	if err != nil {
		t.Fatalf("ParseBook: %v", err)
	}
	if len(levels) != 2 {
		t.Errorf("got %d levels, want 2 (bad segment skipped)", len(levels))
	}
}

func TestParseBookRejectsShortPayload(t *testing.T) {
	t.Parallel()

	if _, _, err := ParseBook("#O|BBCA"); err == nil {
		t.Error("payload without a side segment should be rejected")
	}
	if _, _, err := ParseBook("#O|BBCA|SIDEWAYS|1;2;3"); err == nil {
		t.Error("unknown side should be rejected")
	}
}

func TestVarintRoundTrip(t *testing.T) {
	t.Parallel()

	for _, v := range []uint64{0, 1, 127, 128, 300, 1 << 20, 1<<35 + 7} {
		buf := appendVarint(nil, v)
		got, n, err := readVarint(buf)
		if err != nil {
			t.Fatalf("readVarint(%d): %v", v, err)
		}
		if got != v || n != len(buf) {
			t.Errorf("round trip %d: got %d (consumed %d of %d)", v, got, n, len(buf))
		}
	}
}
