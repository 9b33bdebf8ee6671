package terminal

import (
	"bytes"
	"errors"
	"testing"
)

func TestClassifyTagged(t *testing.T) {
	tests := []struct {
		name    string
		msg     []byte
		kind    Kind
		data    string
		cols    int
		rows    int
		ctrlErr bool
	}{
		{"empty", nil, KindDrop, "", 0, 0, false},
		{"data", []byte("\x01ls -la\n"), KindData, "ls -la\n", 0, 0, false},
		{"data looks like json", []byte("\x01{\"cols\":1,\"rows\":1}"), KindData, "{\"cols\":1,\"rows\":1}", 0, 0, false},
		{"bare data tag", []byte{TagData}, KindDrop, "", 0, 0, false},
		{"resize", []byte("\x02{\"cols\":120,\"rows\":40}"), KindResize, "", 120, 40, false},
		{"resize reordered", []byte("\x02{\"rows\":40,\"cols\":120}"), KindResize, "", 120, 40, false},
		{"unknown tag", []byte("\x03hello"), KindDrop, "", 0, 0, false},
		{"untagged text", []byte("hello"), KindDrop, "", 0, 0, false},
		{"untagged json", []byte(`{"cols":120,"rows":40}`), KindDrop, "", 0, 0, false},
		{"control extra field", []byte("\x02{\"cols\":1,\"rows\":1,\"type\":\"resize\"}"), KindDrop, "", 0, 0, true},
		{"control missing rows", []byte("\x02{\"cols\":80}"), KindDrop, "", 0, 0, true},
		{"control zero", []byte("\x02{\"cols\":0,\"rows\":24}"), KindDrop, "", 0, 0, true},
		{"control negative", []byte("\x02{\"cols\":80,\"rows\":-1}"), KindDrop, "", 0, 0, true},
		{"control fraction", []byte("\x02{\"cols\":80.5,\"rows\":24}"), KindDrop, "", 0, 0, true},
		{"control string", []byte("\x02{\"cols\":\"80\",\"rows\":24}"), KindDrop, "", 0, 0, true},
		{"control trailing", []byte("\x02{\"cols\":80,\"rows\":24}{}"), KindDrop, "", 0, 0, true},
		{"control garbage", []byte("\x02not json"), KindDrop, "", 0, 0, true},
		{"control empty", []byte{TagControl}, KindDrop, "", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := FramingTagged.Classify(tt.msg)
			if tt.ctrlErr != errors.Is(err, ErrControlFrame) {
				t.Fatalf("err = %v, want control error %v", err, tt.ctrlErr)
			}
			if f.Kind != tt.kind {
				t.Fatalf("kind = %v, want %v", f.Kind, tt.kind)
			}
			if string(f.Data) != tt.data || f.Cols != tt.cols || f.Rows != tt.rows {
				t.Errorf("frame = %+v", f)
			}
		})
	}
}

func TestClassifyCompat(t *testing.T) {
	tests := []struct {
		name    string
		msg     string
		kind    Kind
		ctrlErr bool
	}{
		{"plain input", "ls\n", KindData, false},
		{"resize", `{"cols":120,"rows":40}`, KindResize, false},
		{"json without cols", `{"rows":40}`, KindData, false},
		{"cols not at start", `echo {"cols":1}`, KindData, false},
		{"malformed resize", `{"cols":120}`, KindDrop, true},
		{"resize with type", `{"type":"resize","cols":1,"rows":1}`, KindDrop, true},
		{"empty", "", KindDrop, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := FramingCompat.Classify([]byte(tt.msg))
			if tt.ctrlErr != errors.Is(err, ErrControlFrame) {
				t.Fatalf("err = %v, want control error %v", err, tt.ctrlErr)
			}
			if f.Kind != tt.kind {
				t.Fatalf("kind = %v, want %v", f.Kind, tt.kind)
			}
			if f.Kind == KindData && string(f.Data) != tt.msg {
				t.Errorf("data = %q, want verbatim %q", f.Data, tt.msg)
			}
		})
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	f, err := FramingTagged.Classify(EncodeControl(132, 43))
	if err != nil || f.Kind != KindResize || f.Cols != 132 || f.Rows != 43 {
		t.Fatalf("control frame = %+v, %v", f, err)
	}
	in := []byte{0x00, 0x1b, '[', 'A', 0xff}
	f, err = FramingTagged.Classify(EncodeData(in))
	if err != nil || f.Kind != KindData || !bytes.Equal(f.Data, in) {
		t.Fatalf("data frame = %+v, %v", f, err)
	}
}

func TestParseFraming(t *testing.T) {
	for in, want := range map[string]Framing{"": FramingTagged, "tagged": FramingTagged, "compat": FramingCompat} {
		got, err := ParseFraming(in)
		if err != nil || got != want {
			t.Errorf("ParseFraming(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseFraming("sniff"); err == nil {
		t.Error("expected error for unknown framing")
	}
}

func TestLimitsClamp(t *testing.T) {
	l := Limits{MaxCols: 500, MaxRows: 200}
	cases := []struct{ cols, rows, wantC, wantR int }{
		{120, 40, 120, 40},
		{10000, 10000, 500, 200},
		{0, -3, 1, 1},
	}
	for _, c := range cases {
		gc, gr := l.Clamp(c.cols, c.rows)
		if int(gc) != c.wantC || int(gr) != c.wantR {
			t.Errorf("Clamp(%d,%d) = %d,%d want %d,%d", c.cols, c.rows, gc, gr, c.wantC, c.wantR)
		}
	}
	gc, _ := Limits{}.Clamp(1<<20, 1)
	if gc != 0xffff {
		t.Errorf("unbounded clamp = %d", gc)
	}
}
