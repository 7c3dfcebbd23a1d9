package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"Cosign/client"
	"Cosign/internal/coordinator"
	"Cosign/internal/identity"
	"Cosign/internal/keyset"
)

const defaultTimeout = 30 * time.Second

// accountFlags selects an account either by member keys and threshold or by
// its aggregated key.
type accountFlags struct {
	keys      []string
	threshold int
	account   string
	nonce     uint64
}

// bind registers the account flags on cmd.
func (a *accountFlags) bind(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringSliceVar(&a.keys, "keys", nil, "member public keys in hex, in index order")
	f.IntVarP(&a.threshold, "threshold", "t", 0, "signatures required")
	f.StringVar(&a.account, "account", "", "aggregated key in hex (alternative to --keys/--threshold)")
	f.Uint64Var(&a.nonce, "nonce", 0, "account nonce")
}

// resolve builds the key set and identity.
func (a *accountFlags) resolve() (*keyset.KeySet, identity.AccountIdentity, error) {
	var (
		ks  *keyset.KeySet
		err error
	)

	switch {
	case a.account != "" && len(a.keys) > 0:
		return nil, identity.AccountIdentity{}, fmt.Errorf("--account and --keys are mutually exclusive")

	case a.account != "":
		agg, decErr := hex.DecodeString(strings.TrimPrefix(a.account, "0x"))
		if decErr != nil {
			return nil, identity.AccountIdentity{}, fmt.Errorf("decode account:\n%w", decErr)
		}
		ks, err = identity.ParseAggregatedKey(agg)

	case len(a.keys) > 0:
		keys := make([]keyset.PublicKey, len(a.keys))
		for i, s := range a.keys {
			if keys[i], err = keyset.ParsePublicKey(s); err != nil {
				return nil, identity.AccountIdentity{}, fmt.Errorf("key %d:\n%w", i, err)
			}
		}
		ks, err = keyset.New(keys, a.threshold)

	default:
		return nil, identity.AccountIdentity{}, fmt.Errorf("an account needs --keys and --threshold, or --account")
	}

	if err != nil {
		return nil, identity.AccountIdentity{}, err
	}

	return ks, identity.Derive(ks, a.nonce), nil
}

// session is a coordinator bound to a gateway for one command.
type session struct {
	coord   *coordinator.Coordinator
	closeFn func() error
}

// Close releases the gateway connection.
func (s *session) Close() error {
	if s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

// openSession connects to the configured gateway.
func openSession(v *viper.Viper) (*session, error) {
	addr := v.GetString("gateway")

	if rest, ok := strings.CutPrefix(addr, "quic://"); ok {
		var serverKey []byte

		if s := v.GetString("server-key"); s != "" {
			b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
			if err != nil || len(b) != keyset.KeySize {
				return nil, fmt.Errorf("invalid --server-key %q", s)
			}
			serverKey = b
		}

		gw, err := client.NewQUICGateway(rest, nil, serverKey)
		if err != nil {
			return nil, err
		}

		return &session{coord: coordinator.New(gw, coordinator.WithRetry(3, 200*time.Millisecond)), closeFn: gw.Close}, nil
	}

	gw := client.NewHTTPGateway(addr)

	return &session{coord: coordinator.New(gw, coordinator.WithRetry(3, 200*time.Millisecond))}, nil
}

// loadOwner reads the owner key named by --key.
func loadOwner(v *viper.Viper) (*client.Owner, error) {
	path := v.GetString("key")
	if path == "" {
		return nil, fmt.Errorf("--key is required")
	}

	priv, err := client.LoadKey(path)
	if err != nil {
		return nil, err
	}

	return client.NewOwner(priv), nil
}

// commandContext bounds a command by --timeout.
func commandContext(cmd *cobra.Command, v *viper.Viper) (context.Context, context.CancelFunc) {
	timeout := v.GetDuration("timeout")
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return context.WithTimeout(cmd.Context(), timeout)
}

// readPayload takes the payload from --payload-hex, a literal argument or
// stdin when the argument is "-".
func readPayload(cmd *cobra.Command, args []string) ([]byte, error) {
	if h, _ := cmd.Flags().GetString("payload-hex"); h != "" {
		if len(args) > 0 {
			return nil, fmt.Errorf("--payload-hex and a payload argument are mutually exclusive")
		}
		return hex.DecodeString(strings.TrimPrefix(h, "0x"))
	}

	if len(args) == 0 {
		return nil, fmt.Errorf("payload required")
	}

	if args[0] == "-" {
		in := cmd.InOrStdin()
		if in == nil {
			in = os.Stdin
		}
		return io.ReadAll(in)
	}

	return []byte(args[0]), nil
}
