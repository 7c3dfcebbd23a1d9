package main

import (
	"bytes"
	"errors"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"

	"Cosign/client"
	"Cosign/internal/api"
	"Cosign/internal/errs"
	"Cosign/internal/ledger"
	"Cosign/internal/storage/memory"
)

// cli runs the command line and returns its output.
func cli(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	err := run(args, &out)

	return out.String(), err
}

// newGateway starts an HTTP API over a memory ledger.
func newGateway(t *testing.T) string {
	t.Helper()

	l, err := ledger.New(memory.New(8))
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	srv := httptest.NewServer(api.New(":0", l, l, nil).Handler())
	t.Cleanup(srv.Close)

	return srv.URL
}

// newKeys generates n key files and returns their paths and public keys.
func newKeys(t *testing.T, n int) ([]string, []string) {
	t.Helper()

	dir := t.TempDir()
	paths := make([]string, n)
	pubs := make([]string, n)

	for i := range paths {
		paths[i] = filepath.Join(dir, "owner"+string(rune('a'+i))+".key")

		out, err := cli(t, "keygen", paths[i])
		if err != nil {
			t.Fatalf("keygen: %v", err)
		}

		priv, err := client.LoadKey(paths[i])
		if err != nil {
			t.Fatalf("load key: %v", err)
		}
		pubs[i] = client.NewOwner(priv).PublicKey().String()

		if !strings.Contains(out, pubs[i]) {
			t.Errorf("keygen output missing public key: %s", out)
		}
	}

	return paths, pubs
}

// TestOwnerWorkflow tests propose, sign, status and finalize against a gateway.
func TestOwnerWorkflow(t *testing.T) {
	gw := newGateway(t)
	paths, pubs := newKeys(t, 3)
	account := []string{"--gateway", gw, "--keys", strings.Join(pubs, ","), "--threshold", "2"}

	with := func(key string, args ...string) []string {
		full := append([]string{}, args...)
		full = append(full, account...)
		return append(full, "--key", key)
	}

	out, err := cli(t, with(paths[0], "status")...)
	if err != nil || !strings.Contains(out, "No pending operation") {
		t.Fatalf("status before propose = %q, %v", out, err)
	}

	if out, err := cli(t, with(paths[0], "propose", "pay 10")...); err != nil || !strings.Contains(out, "Operation proposed") {
		t.Fatalf("propose = %q, %v", out, err)
	}

	if _, err := cli(t, with(paths[1], "propose", "pay 10")...); err == nil || !strings.Contains(err.Error(), "already in progress") {
		t.Fatalf("second propose: expected already in progress, got %v", err)
	}

	if _, err := cli(t, with(paths[0], "finalize", "pay 10")...); err == nil {
		t.Fatal("finalize below threshold should fail")
	}

	out, err = cli(t, with(paths[2], "sign")...)
	if err != nil || !strings.Contains(out, "quorum-reached") {
		t.Fatalf("sign = %q, %v", out, err)
	}

	out, err = cli(t, with(paths[0], "status")...)
	if err != nil || !strings.Contains(out, "2 of 2") || strings.Count(out, "signed") != 2 {
		t.Fatalf("status = %q, %v", out, err)
	}

	out, err = cli(t, with(paths[1], "finalize", "pay 10")...)
	if err != nil || !strings.Contains(out, "Operation submitted") {
		t.Fatalf("finalize = %q, %v", out, err)
	}

	out, err = cli(t, with(paths[2], "finalize", "pay 10")...)
	if err != nil {
		t.Fatalf("repeated finalize should exit cleanly: %v", err)
	}
	if !strings.Contains(out, "already submitted") || !strings.Contains(out, "0x") {
		t.Errorf("expected already-submitted notice with handle, got %q", out)
	}
}

// TestDerive tests that both account selectors derive the same address.
func TestDerive(t *testing.T) {
	_, pubs := newKeys(t, 2)

	byKeys, err := cli(t, "derive", "--keys", strings.Join(pubs, ","), "--threshold", "2", "--nonce", "4")
	if err != nil {
		t.Fatalf("derive by keys: %v", err)
	}

	var agg string
	for _, line := range strings.Split(byKeys, "\n") {
		if strings.Contains(line, "Aggregated Key:") {
			fields := strings.Fields(line)
			agg = fields[len(fields)-1]
		}
	}
	if agg == "" {
		t.Fatalf("no aggregated key in %q", byKeys)
	}

	byAccount, err := cli(t, "derive", "--account", agg, "--nonce", "4")
	if err != nil {
		t.Fatalf("derive by account: %v", err)
	}

	if byKeys != byAccount {
		t.Errorf("derive outputs differ:\n%s\n%s", byKeys, byAccount)
	}
}

// TestAccountFlagErrors tests invalid account selections.
func TestAccountFlagErrors(t *testing.T) {
	_, pubs := newKeys(t, 2)

	cases := [][]string{
		{"derive"},
		{"derive", "--keys", pubs[0], "--threshold", "2"},
		{"derive", "--keys", pubs[0] + "," + pubs[0], "--threshold", "1"},
		{"derive", "--keys", "zz", "--threshold", "1"},
		{"derive", "--account", "00", "--keys", pubs[0]},
	}

	for _, args := range cases {
		if _, err := cli(t, args...); err == nil {
			t.Errorf("expected error for %v", args)
		}
	}
}

// TestKeygenRefusesOverwrite tests that keygen keeps existing key files.
func TestKeygenRefusesOverwrite(t *testing.T) {
	paths, _ := newKeys(t, 1)

	if _, err := cli(t, "keygen", paths[0]); err == nil {
		t.Error("expected error when key file exists")
	}
}

// TestGatewayUnreachable tests that transport failures surface as errors.
func TestGatewayUnreachable(t *testing.T) {
	paths, pubs := newKeys(t, 2)

	_, err := cli(t, "status", "--gateway", "http://127.0.0.1:1", "--timeout", "2s",
		"--keys", strings.Join(pubs, ","), "--threshold", "2", "--key", paths[0])
	if err == nil || !strings.Contains(err.Error(), "unavailable") {
		t.Errorf("expected unavailable error, got %v", err)
	}
}

// TestResubmittedPayload tests propose and status for a payload that was already submitted.
func TestResubmittedPayload(t *testing.T) {
	gw := newGateway(t)
	paths, pubs := newKeys(t, 2)
	account := []string{"--gateway", gw, "--keys", strings.Join(pubs, ","), "--threshold", "1", "--key", paths[0]}

	with := func(args ...string) []string {
		return append(append([]string{}, args...), account...)
	}

	if _, err := cli(t, with("propose", "rent")...); err != nil {
		t.Fatalf("propose: %v", err)
	}

	out, err := cli(t, with("status", "rent")...)
	if err != nil || !strings.Contains(out, "Pending operation") {
		t.Fatalf("status while pending = %q, %v", out, err)
	}

	if _, err := cli(t, with("finalize", "rent")...); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	out, err = cli(t, with("propose", "rent")...)
	if err != nil || !strings.Contains(out, "already submitted") {
		t.Fatalf("repeated propose = %q, %v", out, err)
	}

	out, err = cli(t, with("status", "rent")...)
	if err != nil || !strings.Contains(out, "submitted") || !strings.Contains(out, "0x") {
		t.Fatalf("status of submitted payload = %q, %v", out, err)
	}

	out, err = cli(t, with("status")...)
	if err != nil || !strings.Contains(out, "No pending operation") {
		t.Fatalf("status after submit = %q, %v", out, err)
	}

	if out, err := cli(t, with("propose", "groceries")...); err != nil || !strings.Contains(out, "Operation proposed") {
		t.Fatalf("next propose = %q, %v", out, err)
	}
}

// TestExplain tests hints and exit codes for command errors.
func TestExplain(t *testing.T) {
	tests := []struct {
		err  error
		hint string
		code int
	}{
		{errs.Unavailable("read", errors.New("connection refused")), "retry", exitTempFail},
		{fmt.Errorf("finalize:\n%w", errs.ErrQuorumNotMet), "wait for more signatures", exitFailure},
		{fmt.Errorf("sign:\n%w", errs.ErrUnknownSigner), "not an owner", exitFailure},
		{errs.ErrAlreadyInProgress, "another operation is pending", exitFailure},
		{errs.ErrPayloadTooLarge, "exceeds the gateway limit", exitFailure},
		{errs.ErrRequestRejected, "will not help", exitFailure},
		{errors.New("payload required"), "", exitFailure},
	}

	for _, tt := range tests {
		hint, code := explain(tt.err)
		if code != tt.code {
			t.Errorf("explain(%v) code = %d, want %d", tt.err, code, tt.code)
		}
		if !strings.Contains(hint, tt.hint) || (tt.hint == "" && hint != "") {
			t.Errorf("explain(%v) hint = %q, want %q", tt.err, hint, tt.hint)
		}
	}
}

// TestPrinterPlain tests that non-terminal output is unstyled.
func TestPrinterPlain(t *testing.T) {
	var buf bytes.Buffer

	p := newPrinter(&buf)
	p.result("Title", field{"A", "1"}, field{"Longer", "2"})
	p.notice("done")

	want := "Title\n  A:      1\n  Longer: 2\nnote: done\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}

// TestRootFlagsBindViper tests that persistent flags reach viper.
func TestRootFlagsBindViper(t *testing.T) {
	v := viper.New()
	cmd := newRootCmd(v, &bytes.Buffer{})

	if err := cmd.PersistentFlags().Set("gateway", "quic://127.0.0.1:9"); err != nil {
		t.Fatalf("set flag: %v", err)
	}

	if got := v.GetString("gateway"); got != "quic://127.0.0.1:9" {
		t.Errorf("gateway = %q", got)
	}
}
