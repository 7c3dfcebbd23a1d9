// Command cosign is the owner CLI: it creates keys, derives multi-signature
// accounts and drives pending operations through a pendingd gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"Cosign/internal/errs"
)

// envPrefix scopes environment overrides, e.g. COSIGN_GATEWAY.
const envPrefix = "COSIGN"

const (
	exitFailure = 1
	// exitTempFail is EX_TEMPFAIL: the same command may succeed later.
	exitTempFail = 75
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		hint, code := explain(err)
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if hint != "" {
			fmt.Fprintf(os.Stderr, "hint: %s\n", hint)
		}
		os.Exit(code)
	}
}

// explain maps a command error to a hint for the owner and an exit code.
func explain(err error) (string, int) {
	switch {
	case errs.IsRetryable(err):
		return "the gateway could not be reached, retry the same command", exitTempFail
	case errors.Is(err, errs.ErrQuorumNotMet):
		return "not enough owners have signed yet, wait for more signatures and finalize again", exitFailure
	case errors.Is(err, errs.ErrUnknownSigner):
		return "this key is not an owner of the account, check --key and the account key set", exitFailure
	case errors.Is(err, errs.ErrAlreadyInProgress):
		return "another operation is pending, sign or finalize it or wait for it to expire", exitFailure
	case errors.Is(err, errs.ErrPayloadMismatch):
		return "the pending operation carries a different payload, run status to see it", exitFailure
	case errors.Is(err, errs.ErrNotFound):
		return "no operation is pending for this account, propose one first", exitFailure
	case errors.Is(err, errs.ErrInvalidKey):
		return "the account selection does not match the key set, check --keys, --threshold and --nonce", exitFailure
	case errors.Is(err, errs.ErrPayloadTooLarge):
		return "the payload exceeds the gateway limit, it cannot be submitted as is", exitFailure
	case errors.Is(err, errs.ErrRequestRejected):
		return "the gateway rejected the request, retrying it unchanged will not help", exitFailure
	}

	return "", exitFailure
}

func run(args []string, out io.Writer) error {
	cmd := newRootCmd(viper.New(), out)
	cmd.SetArgs(args)

	return cmd.ExecuteContext(context.Background())
}

// newRootCmd builds the command tree writing results to out.
func newRootCmd(v *viper.Viper, out io.Writer) *cobra.Command {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "cosign",
		Short:         "Multi-signature account owner tool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.SetOut(out)

	pf := root.PersistentFlags()
	pf.String("gateway", "http://127.0.0.1:7000", "gateway address (http://host:port or quic://host:port)")
	pf.String("server-key", "", "hex Ed25519 key to pin for quic gateways")
	pf.StringP("key", "k", "", "owner key file")
	pf.Duration("timeout", defaultTimeout, "gateway call timeout")

	for _, name := range []string{"gateway", "server-key", "key", "timeout"} {
		_ = v.BindPFlag(name, pf.Lookup(name))
	}

	root.AddCommand(
		newKeygenCmd(v),
		newDeriveCmd(),
		newProposeCmd(v),
		newSignCmd(v),
		newStatusCmd(v),
		newFinalizeCmd(v),
	)

	return root
}
