package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/unicode/norm"

	"edu/hyponome/internal/hasher"
	"edu/hyponome/internal/hashes"
	"edu/hyponome/internal/rpc"
	"edu/hyponome/pkg/hexcodec"
)

var hashCmd = &cobra.Command{
	Use:   "hash",
	Short: "Hash a file, string or stdin on a running server",
	Long: `Send a payload to a running hyponome server and print its digest.
With --rounds N the digest is re-hashed N-1 more times; the calls are
pipelined so the whole chain costs one round trip.`,
	RunE: runHash,
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Hash a payload and compare it with an expected digest",
	RunE:  runVerify,
}

func init() {
	for _, cmd := range []*cobra.Command{hashCmd, verifyCmd} {
		cmd.Flags().StringP("file", "f", "", "File to hash")
		cmd.Flags().StringP("string", "s", "", "String to hash")
		cmd.Flags().String("normalize", "none", "Unicode normalization for --string: none, nfc, nfd, nfkc, nfkd")
		cmd.Flags().IntP("rounds", "r", 1, "Number of chained hash rounds")
		cmd.Flags().String("ws", "", "Websocket URL to dial instead of the RPC listener, e.g. ws://host:8080/ws")
		cmd.Flags().Duration("timeout", 30*time.Second, "Give up after this long")
	}
	verifyCmd.Flags().StringP("expect", "e", "", "Expected hex digest (required)")
	_ = verifyCmd.MarkFlagRequired("expect")
}

func runHash(cmd *cobra.Command, args []string) error {
	res, err := remoteDigest(cmd)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), res.Hex)
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	expect, _ := cmd.Flags().GetString("expect")
	expect = strings.ToLower(strings.TrimSpace(expect))

	res, err := remoteDigest(cmd)
	if err != nil {
		return err
	}

	if err := hashes.ValidateDigest(res.Digest.Algorithm, expect); err != nil {
		if c := hashes.Candidates(expect); len(c) > 0 {
			return fmt.Errorf("%w (length matches: %s)", err, strings.Join(c, ", "))
		}
		return err
	}
	want, err := hexcodec.Hex2Bin(expect)
	if err != nil {
		return err
	}
	if !res.Digest.Equal(hashes.Digest{Algorithm: res.Digest.Algorithm, Value: want}) {
		return fmt.Errorf("digest mismatch: got %s", res.Hex)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "OK %s %s\n", res.Digest.Algorithm, res.Hex)
	return nil
}

func remoteDigest(cmd *cobra.Command) (hasher.Result, error) {
	rounds, _ := cmd.Flags().GetInt("rounds")
	if rounds < 1 {
		return hasher.Result{}, errors.New("--rounds must be at least 1")
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	wsURL, _ := cmd.Flags().GetString("ws")

	data, err := readPayload(cmd)
	if err != nil {
		return hasher.Result{}, err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	var client *rpc.Client
	if wsURL != "" {
		client, err = rpc.DialWebsocket(ctx, wsURL, rpc.WithLogger(logger))
	} else {
		client, err = rpc.Dial(ctx, cfg.Network, cfg.Listen, rpc.WithLogger(logger))
	}
	if err != nil {
		return hasher.Result{}, err
	}
	defer client.Close()

	return chain(ctx, client, data, rounds).Await(ctx)
}

// chain issues data and rounds-1 pipelined re-hashes without waiting on
// any intermediate answer.
func chain(ctx context.Context, client *rpc.Client, data []byte, rounds int) *rpc.Answer {
	a := client.Hash(ctx, data)
	for i := 1; i < rounds; i++ {
		a = client.Pipeline(ctx, a)
	}
	return a
}

func readPayload(cmd *cobra.Command) ([]byte, error) {
	file, _ := cmd.Flags().GetString("file")
	form, _ := cmd.Flags().GetString("normalize")

	switch {
	case file != "" && cmd.Flags().Changed("string"):
		return nil, errors.New("--file and --string are mutually exclusive")
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", file, err)
		}
		return data, nil
	case cmd.Flags().Changed("string"):
		s, _ := cmd.Flags().GetString("string")
		return normalize(s, form)
	default:
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		return data, nil
	}
}

// normalize applies a Unicode normalization form so visually identical
// strings hash to the same digest.
func normalize(s, form string) ([]byte, error) {
	switch strings.ToLower(form) {
	case "", "none":
		return []byte(s), nil
	case "nfc":
		return norm.NFC.Bytes([]byte(s)), nil
	case "nfd":
		return norm.NFD.Bytes([]byte(s)), nil
	case "nfkc":
		return norm.NFKC.Bytes([]byte(s)), nil
	case "nfkd":
		return norm.NFKD.Bytes([]byte(s)), nil
	default:
		return nil, fmt.Errorf("unknown normalization form %q", form)
	}
}
