// adapter_test.go - Handshake payload parsing tests
package sacp

import (
	"encoding/binary"
	"testing"
)

func handshakeData(result byte, series string, headCode byte) []byte {
	data := []byte{result}
	data = binary.LittleEndian.AppendUint16(data, uint16(len(series)))
	data = append(data, series...)
	data = append(data, headCode)
	return data
}

func TestParseHandshake(t *testing.T) {
	tests := []struct {
		name       string
		data       []byte
		wantSeries string
		wantHead   int
		wantErr    bool
	}{
		{
			name:       "a400 dual extruder",
			data:       handshakeData(0, "A400", 5),
			wantSeries: "A400",
			wantHead:   5,
		},
		{
			name:       "long series name",
			data:       handshakeData(0, "Snapmaker 2.0 A350", 1),
			wantSeries: "Snapmaker 2.0 A350",
			wantHead:   1,
		},
		{
			name:    "rejected",
			data:    handshakeData(1, "A400", 5),
			wantErr: true,
		},
		{
			name:    "truncated payload",
			data:    handshakeData(0, "A400", 5)[:4],
			wantErr: true,
		},
		{
			name:    "empty",
			data:    nil,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			series, head, err := parseHandshake(&Packet{Data: tt.data})
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if series != tt.wantSeries {
				t.Errorf("series = %q, want %q", series, tt.wantSeries)
			}
			if head != tt.wantHead {
				t.Errorf("head code = %d, want %d", head, tt.wantHead)
			}
		})
	}
}
