package main

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"edu/hyponome/internal/hashes"
	"edu/hyponome/pkg/hexcodec"
)

var bin2hexCmd = &cobra.Command{
	Use:   "bin2hex [string...]",
	Short: "Encode arguments or stdin as lowercase hex",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("reading stdin: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), hexcodec.Bin2Hex(data))
			return nil
		}
		for _, arg := range args {
			fmt.Fprintln(cmd.OutOrStdout(), hexcodec.Bin2Hex([]byte(arg)))
		}
		return nil
	},
}

var hex2binCmd = &cobra.Command{
	Use:   "hex2bin [hex...]",
	Short: "Decode hex arguments or stdin to raw bytes",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("reading stdin: %w", err)
			}
			args = []string{string(bytes.TrimSpace(data))}
		}
		for _, arg := range args {
			raw, err := hexcodec.Hex2Bin(arg)
			if err != nil {
				return err
			}
			if _, err := cmd.OutOrStdout().Write(raw); err != nil {
				return err
			}
		}
		return nil
	},
}

func runList(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Supported algorithms:")
	for _, name := range hashes.List() {
		alg, err := hashes.Get(name)
		if err != nil {
			return err
		}
		marker := ""
		if strings.EqualFold(name, cfg.Algorithm) {
			marker = " (default)"
		}
		fmt.Fprintf(out, "  - %-12s %3d bytes%s\n", name, alg.Size(), marker)
	}
	return nil
}
