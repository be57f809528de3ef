package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chaz8081/bms-monitor/internal/ble/protocol"
)

var decodeCmd = &cobra.Command{
	Use:   "decode <hex>...",
	Short: "Decode captured notification bytes into records",
	Long: `Feeds hex-encoded notification fragments through the frame reassembler
and prints every complete record as JSON. Each argument is one fragment;
spaces and colons inside an argument are ignored.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var fragments [][]byte
		for i, a := range args {
			b, err := parseHex(a)
			if err != nil {
				return fmt.Errorf("fragment %d: %w", i, err)
			}
			fragments = append(fragments, b)
		}

		records := decodeFragments(fragments)
		if len(records) == 0 {
			return fmt.Errorf("no complete record in %d fragment(s)", len(fragments))
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	},
}

type decoded struct {
	Type   string `json:"type"`
	Record any    `json:"record"`
}

func parseHex(s string) ([]byte, error) {
	s = strings.NewReplacer(" ", "", ":", "", "\n", "", "\t", "").Replace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return hex.DecodeString(s)
}

// decodeFragments runs fragments through a FrameBuffer the way a session
// does and returns the records it yields.
func decodeFragments(fragments [][]byte) []decoded {
	buf := protocol.NewFrameBuffer(protocol.DefaultFrameCapacity)
	var out []decoded
	for _, f := range fragments {
		buf.Append(f)
		for buf.Ready() {
			frame := buf.Frame()
			kind := buf.Type()
			switch kind {
			case protocol.RecordIdentity:
				out = append(out, decoded{kind.String(), protocol.DecodeIdentity(frame)})
			case protocol.RecordSettings:
				out = append(out, decoded{kind.String(), protocol.DecodeSettings(frame)})
			case protocol.RecordTelemetry:
				out = append(out, decoded{kind.String(), protocol.DecodeTelemetry(frame)})
			}
			buf.Consume()
		}
	}
	return out
}
