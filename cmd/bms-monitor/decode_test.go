package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/chaz8081/bms-monitor/internal/ble/protocol"
)

func padded(t *testing.T, rec interface{ MarshalBinary() ([]byte, error) }) []byte {
	t.Helper()
	data, err := rec.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary() error = %v", err)
	}
	return append(data, make([]byte, 300-len(data))...)
}

func TestDecodeFragmentsSplitRecords(t *testing.T) {
	ident := padded(t, &protocol.Identity{SerialNumber: "4012345678"})
	telem := padded(t, &protocol.Telemetry{StateOfCharge: 77})

	fragments := [][]byte{
		ident[:100], ident[100:],
		protocol.KeepAlive,
		telem[:20], telem[20:180], telem[180:],
	}
	got := decodeFragments(fragments)
	if len(got) != 2 {
		t.Fatalf("decodeFragments() returned %d records, want 2", len(got))
	}
	if got[0].Type != "identity" || got[1].Type != "telemetry" {
		t.Errorf("types = %s, %s", got[0].Type, got[1].Type)
	}
	id, ok := got[0].Record.(protocol.Identity)
	if !ok || id.SerialNumber != "4012345678" {
		t.Errorf("identity = %+v", got[0].Record)
	}
	tm, ok := got[1].Record.(protocol.Telemetry)
	if !ok || tm.StateOfCharge != 77 {
		t.Errorf("telemetry = %+v", got[1].Record)
	}
}

func TestDecodeFragmentsIncomplete(t *testing.T) {
	telem := padded(t, &protocol.Telemetry{})
	if got := decodeFragments([][]byte{telem[:60]}); len(got) != 0 {
		t.Errorf("decodeFragments() = %v, want nothing for a partial record", got)
	}
}

func TestDecodeCommandPrintsJSON(t *testing.T) {
	telem := padded(t, &protocol.Telemetry{StateOfCharge: 55})
	var out bytes.Buffer
	decodeCmd.SetOut(&out)

	if err := decodeCmd.RunE(decodeCmd, []string{hex.EncodeToString(telem)}); err != nil {
		t.Fatalf("decode error = %v", err)
	}

	var records []map[string]any
	if err := json.Unmarshal(out.Bytes(), &records); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out.String())
	}
	if len(records) != 1 || records[0]["type"] != "telemetry" {
		t.Errorf("records = %v", records)
	}
}

func TestParseHex(t *testing.T) {
	tests := []struct {
		in      string
		want    []byte
		wantErr bool
	}{
		{in: "aa5590eb", want: []byte{0xAA, 0x55, 0x90, 0xEB}},
		{in: "0xAA 55", want: []byte{0xAA, 0x55}},
		{in: "aa:55:90", want: []byte{0xAA, 0x55, 0x90}},
		{in: "zz", wantErr: true},
		{in: "abc", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseHex(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseHex(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && !bytes.Equal(got, tt.want) {
			t.Errorf("parseHex(%q) = %x, want %x", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	}
	for name, want := range tests {
		l := newLogger(name)
		if !l.Enabled(context.Background(), want) {
			t.Errorf("newLogger(%q) disabled at %v", name, want)
		}
		if want > slog.LevelDebug && l.Enabled(context.Background(), want-4) {
			t.Errorf("newLogger(%q) enabled below %v", name, want)
		}
	}
}
