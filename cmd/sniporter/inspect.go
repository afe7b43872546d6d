package main

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/ewancrowle/sniporter/internal/clienthello"
	"github.com/ewancrowle/sniporter/internal/record"
	"github.com/ewancrowle/sniporter/internal/relay"
	"github.com/spf13/cobra"
)

var (
	inspectHandshake bool
	inspectHex       bool
)

var inspectCmd = &cobra.Command{
	Use:   "inspect FILE",
	Short: "Print the SNI host name of a captured TLS client stream",
	Long: `Reads a capture of the first bytes a TLS client sent (use - for stdin) and
prints the server name from its ClientHello.`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	inspectCmd.Flags().BoolVar(&inspectHandshake, "handshake", false, "Input is a bare handshake message without record headers")
	inspectCmd.Flags().BoolVar(&inspectHex, "hex", false, "Input is hex encoded")
}

func runInspect(cmd *cobra.Command, args []string) error {
	var in io.Reader = cmd.InOrStdin()
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	if inspectHex {
		data, err := io.ReadAll(io.LimitReader(in, 8*record.MaxPlaintext))
		if err != nil {
			return err
		}
		raw, err := hex.DecodeString(string(bytes.Join(bytes.Fields(data), nil)))
		if err != nil {
			return fmt.Errorf("invalid hex input: %w", err)
		}
		in = bytes.NewReader(raw)
	}

	if !inspectHandshake {
		in = record.NewReader(in)
	}

	name, err := clienthello.ReadServerName(in)
	if err != nil {
		return fmt.Errorf("%s: %w", relay.ErrorKind(err), err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), name)
	return nil
}
