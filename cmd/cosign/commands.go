package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"Cosign/client"
	"Cosign/internal/coordinator"
	"Cosign/internal/errs"
	"Cosign/internal/keyset"
)

func newKeygenCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "keygen [path]",
		Short: "Generate an owner key file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := v.GetString("key")
			if len(args) > 0 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("key path required")
			}

			priv, err := client.GenerateKeyFile(path)
			if err != nil {
				return err
			}

			owner := client.NewOwner(priv)
			newPrinter(cmd.OutOrStdout()).result("Key created",
				field{"Public Key", owner.PublicKey().String()},
				field{"Stored at", path},
			)

			return nil
		},
	}
}

func newDeriveCmd() *cobra.Command {
	var acct accountFlags

	cmd := &cobra.Command{
		Use:   "derive",
		Short: "Derive an account address from its key set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ks, id, err := acct.resolve()
			if err != nil {
				return err
			}

			newPrinter(cmd.OutOrStdout()).result("Account",
				field{"Address", id.Address.String()},
				field{"Nonce", strconv.FormatUint(id.Nonce, 10)},
				field{"Threshold", fmt.Sprintf("%d of %d", ks.Threshold(), ks.Size())},
				field{"Aggregated Key", fmt.Sprintf("%x", id.AggregatedKey)},
			)

			return nil
		},
	}

	acct.bind(cmd)

	return cmd
}

func newProposeCmd(v *viper.Viper) *cobra.Command {
	var acct accountFlags

	cmd := &cobra.Command{
		Use:   "propose <payload|->",
		Short: "Register a new operation signed by this owner",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, id, err := acct.resolve()
			if err != nil {
				return err
			}

			payload, err := readPayload(cmd, args)
			if err != nil {
				return err
			}

			owner, err := loadOwner(v)
			if err != nil {
				return err
			}

			s, err := openSession(v)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, cancel := commandContext(cmd, v)
			defer cancel()

			err = s.coord.BeginOperation(ctx, ks, id, payload, owner.PublicKey(), owner.Sign(id.Address, payload))
			if errors.Is(err, errs.ErrAlreadySubmitted) {
				newPrinter(cmd.OutOrStdout()).notice("this payload was already submitted, nothing to propose")
				return nil
			}
			if err != nil {
				return fmt.Errorf("propose:\n%w", err)
			}

			newPrinter(cmd.OutOrStdout()).result("Operation proposed",
				field{"Address", id.Address.String()},
				field{"Signer", owner.PublicKey().String()},
				field{"Signatures", fmt.Sprintf("1 of %d", ks.Threshold())},
			)

			return nil
		},
	}

	acct.bind(cmd)
	cmd.Flags().String("payload-hex", "", "payload as hex instead of an argument")

	return cmd
}

func newSignCmd(v *viper.Viper) *cobra.Command {
	var acct accountFlags

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Add this owner's signature to the pending operation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ks, id, err := acct.resolve()
			if err != nil {
				return err
			}

			owner, err := loadOwner(v)
			if err != nil {
				return err
			}

			s, err := openSession(v)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, cancel := commandContext(cmd, v)
			defer cancel()

			// The signature covers the pending payload, so read it first.
			_, op, err := s.coord.Observe(ctx, ks, id)
			if err != nil {
				return fmt.Errorf("read pending operation:\n%w", err)
			}
			if op == nil {
				return fmt.Errorf("sign:\n%w", errs.ErrNotFound)
			}

			state, err := s.coord.ContributeSignature(ctx, ks, id, owner.PublicKey(), owner.Sign(id.Address, op.Payload))
			if err != nil {
				return fmt.Errorf("sign:\n%w", err)
			}

			newPrinter(cmd.OutOrStdout()).result("Signature added",
				field{"Address", id.Address.String()},
				field{"Signer", owner.PublicKey().String()},
				field{"State", state.String()},
			)

			return nil
		},
	}

	acct.bind(cmd)

	return cmd
}

func newStatusCmd(v *viper.Viper) *cobra.Command {
	var acct accountFlags

	cmd := &cobra.Command{
		Use:   "status [payload|-]",
		Short: "Show the pending operation of an account, or whether a payload was submitted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, id, err := acct.resolve()
			if err != nil {
				return err
			}

			var payload []byte
			if h, _ := cmd.Flags().GetString("payload-hex"); h != "" || len(args) > 0 {
				if payload, err = readPayload(cmd, args); err != nil {
					return err
				}
			}

			s, err := openSession(v)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, cancel := commandContext(cmd, v)
			defer cancel()

			p := newPrinter(cmd.OutOrStdout())

			if payload != nil {
				state, handle, err := s.coord.ObservePayload(ctx, ks, id, payload)
				if err != nil {
					return fmt.Errorf("status:\n%w", err)
				}
				if state == coordinator.Submitted {
					p.result("Operation submitted",
						field{"Address", id.Address.String()},
						field{"State", state.String()},
						field{"Handle", handle.String()},
					)
					return nil
				}
			}

			state, op, err := s.coord.Observe(ctx, ks, id)
			if err != nil {
				return fmt.Errorf("status:\n%w", err)
			}

			if op == nil {
				p.result("No pending operation", field{"Address", id.Address.String()})
				return nil
			}

			fields := []field{
				{"Address", id.Address.String()},
				{"State", state.String()},
				{"Payload", fmt.Sprintf("%q", op.Payload)},
				{"Signatures", fmt.Sprintf("%d of %d", len(op.Signatures), ks.Threshold())},
				{"Updated", op.UpdatedAt.Format(time.RFC3339)},
			}

			for i, pk := range ks.All() {
				mark := "missing"
				if op.Signature(pk) != nil {
					mark = "signed"
				}
				fields = append(fields, field{fmt.Sprintf("Owner %d", i), shortKey(pk) + " " + mark})
			}

			p.result("Pending operation", fields...)

			return nil
		},
	}

	acct.bind(cmd)
	cmd.Flags().String("payload-hex", "", "payload as hex instead of an argument")

	return cmd
}

func newFinalizeCmd(v *viper.Viper) *cobra.Command {
	var acct accountFlags

	cmd := &cobra.Command{
		Use:   "finalize <payload|->",
		Short: "Assemble the signatures and submit the operation",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, id, err := acct.resolve()
			if err != nil {
				return err
			}

			payload, err := readPayload(cmd, args)
			if err != nil {
				return err
			}

			s, err := openSession(v)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, cancel := commandContext(cmd, v)
			defer cancel()

			p := newPrinter(cmd.OutOrStdout())

			handle, err := s.coord.FinalizeOperation(ctx, ks, id, payload)
			switch {
			case errors.Is(err, errs.ErrAlreadySubmitted):
				p.notice(alreadySubmittedNotice(handle))
				return nil
			case err != nil:
				return fmt.Errorf("finalize:\n%w", err)
			}

			p.result("Operation submitted",
				field{"Address", id.Address.String()},
				field{"Handle", handle.String()},
			)

			return nil
		},
	}

	acct.bind(cmd)
	cmd.Flags().String("payload-hex", "", "payload as hex instead of an argument")

	return cmd
}

// alreadySubmittedNotice describes a repeated finalize.
func alreadySubmittedNotice(handle coordinator.TxHandle) string {
	if handle.IsZero() {
		return "this operation was already submitted by another owner"
	}
	return "this operation was already submitted by another owner as transaction " + handle.String()
}

// shortKey abbreviates a public key for tables.
func shortKey(pk keyset.PublicKey) string {
	s := pk.String()
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
