package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"

	"dexcrow/cmd/internal/passphrase"
	"dexcrow/core/types"
	"dexcrow/crypto"
	"dexcrow/native/crosschain"
)

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func fail(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func loadKey(path string) (*crypto.PrivateKey, error) {
	pass, err := passphrase.NewSource(envKeyPass, "keystore").Get()
	if err != nil {
		return nil, err
	}
	return crypto.LoadFromKeystore(path, pass)
}

// readJSONArg accepts inline JSON or @path to a file holding it.
func readJSONArg(arg string) (json.RawMessage, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return nil, nil
	}
	data := []byte(arg)
	if strings.HasPrefix(arg, "@") {
		raw, err := os.ReadFile(arg[1:])
		if err != nil {
			return nil, err
		}
		data = raw
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("invalid JSON in %q", arg)
	}
	return json.RawMessage(data), nil
}

func runKeygenCommand(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("keygen", stderr)
	out := fs.String("out", envOr(envKeystore, defaultKeyFn), "Keystore file to create")
	light := fs.Bool("light", false, "Use light scrypt parameters")
	force := fs.Bool("force", false, "Overwrite an existing keystore")
	importHex := fs.String("import-hex", "", "Encrypt an existing hex private key instead of generating one")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if _, err := os.Stat(*out); err == nil && !*force {
		return fail(stderr, fmt.Errorf("%s already exists; pass -force to overwrite", *out))
	}
	pass, err := passphrase.NewConfirmingSource(envKeyPass, "new keystore").Get()
	if err != nil {
		return fail(stderr, err)
	}
	key, err := newOrImportedKey(*importHex)
	if err != nil {
		return fail(stderr, err)
	}
	params := crypto.StandardKeystore
	if *light {
		params = crypto.LightKeystore
	}
	if err := crypto.SaveToKeystore(*out, key, pass, params); err != nil {
		return fail(stderr, err)
	}
	display, err := crypto.DisplayAddress(key.Address())
	if err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintf(stdout, "keystore: %s\naddress:  %s\ndisplay:  %s\n", *out, key.Address().Hex(), display)
	return 0
}

func newOrImportedKey(raw string) (*crypto.PrivateKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return crypto.GeneratePrivateKey()
	}
	b, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key hex: %w", err)
	}
	return crypto.PrivateKeyFromBytes(b)
}

func runAddressCommand(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("address", stderr)
	path := fs.String("keystore", envOr(envKeystore, defaultKeyFn), "Keystore file")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	key, err := loadKey(*path)
	if err != nil {
		return fail(stderr, err)
	}
	display, err := crypto.DisplayAddress(key.Address())
	if err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintf(stdout, "%s\n%s\n", key.Address().Hex(), display)
	return 0
}

type sendOptions struct {
	rpc      string
	token    string
	keystore string
	method   string
	params   string
	value    string
	nonce    int64
	chainID  uint64
}

func runSendCommand(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("send", stderr)
	var opts sendOptions
	fs.StringVar(&opts.rpc, "rpc", envOr(envRPCURL, defaultRPC), "RPC endpoint")
	fs.StringVar(&opts.token, "token", os.Getenv(envRPCToken), "Bearer token carrying the tx:submit scope")
	fs.StringVar(&opts.keystore, "keystore", envOr(envKeystore, defaultKeyFn), "Keystore file of the sender")
	fs.StringVar(&opts.method, "method", "", "Ledger method, e.g. escrow_create")
	fs.StringVar(&opts.params, "params", "", "Method parameters as JSON or @file")
	fs.StringVar(&opts.value, "value", "", "Native value attached to the call")
	fs.Int64Var(&opts.nonce, "nonce", -1, "Sender nonce; fetched from the node when negative")
	fs.Uint64Var(&opts.chainID, "chain-id", 0, "Chain id; fetched from the node when zero")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	key, err := loadKey(opts.keystore)
	if err != nil {
		return fail(stderr, err)
	}
	receipt, err := send(newClient(opts.rpc, opts.token), key, opts)
	if err != nil {
		return fail(stderr, err)
	}
	if err := printJSON(stdout, receipt); err != nil {
		return fail(stderr, err)
	}
	return 0
}

func send(c *client, key *crypto.PrivateKey, opts sendOptions) (json.RawMessage, error) {
	if strings.TrimSpace(opts.method) == "" {
		return nil, errors.New("-method is required")
	}
	tx := &types.Transaction{
		ChainID: opts.chainID,
		From:    key.Address(),
		Method:  strings.TrimSpace(opts.method),
	}
	params, err := readJSONArg(opts.params)
	if err != nil {
		return nil, err
	}
	tx.Params = params
	if v := strings.TrimSpace(opts.value); v != "" {
		value, ok := new(big.Int).SetString(v, 10)
		if !ok || value.Sign() < 0 {
			return nil, fmt.Errorf("invalid value %q", v)
		}
		tx.Value = value
	}
	if tx.ChainID == 0 {
		if tx.ChainID, err = c.uint64Result("dexcrow_chainId"); err != nil {
			return nil, err
		}
	}
	if opts.nonce >= 0 {
		tx.Nonce = uint64(opts.nonce)
	} else if tx.Nonce, err = c.uint64Result("dexcrow_getNonce", tx.From.Hex()); err != nil {
		return nil, err
	}
	if err := tx.Sign(key); err != nil {
		return nil, err
	}
	return c.call("dexcrow_sendTransaction", tx)
}

func runCallCommand(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("call", stderr)
	endpoint := fs.String("rpc", envOr(envRPCURL, defaultRPC), "RPC endpoint")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	positional := fs.Args()
	if len(positional) < 1 {
		fmt.Fprintln(stderr, "Usage: call [-rpc <url>] <method> [param ...]")
		return 2
	}
	params := make([]interface{}, 0, len(positional)-1)
	for _, arg := range positional[1:] {
		// bare words travel as strings, anything else as JSON
		if json.Valid([]byte(arg)) {
			params = append(params, json.RawMessage(arg))
		} else {
			params = append(params, arg)
		}
	}
	result, err := newClient(*endpoint, "").call(positional[0], params...)
	if err != nil {
		return fail(stderr, err)
	}
	if err := printJSON(stdout, result); err != nil {
		return fail(stderr, err)
	}
	return 0
}

func runGuardianSignCommand(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("guardian-sign", stderr)
	path := fs.String("keystore", envOr(envKeystore, defaultKeyFn), "Guardian keystore file")
	setIndex := fs.Uint64("set-index", 0, "Guardian set index the signature is bound to")
	index := fs.Uint("index", 0, "Position of this guardian in the set")
	message := fs.String("message", "", "Cross-chain message as JSON or @file")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	key, err := loadKey(*path)
	if err != nil {
		return fail(stderr, err)
	}
	entry, err := guardianSign(key, *message, *setIndex, uint32(*index))
	if err != nil {
		return fail(stderr, err)
	}
	if err := printJSON(stdout, entry); err != nil {
		return fail(stderr, err)
	}
	return 0
}

func guardianSign(key *crypto.PrivateKey, message string, setIndex uint64, index uint32) (crosschain.SignatureEntry, error) {
	raw, err := readJSONArg(message)
	if err != nil {
		return crosschain.SignatureEntry{}, err
	}
	if raw == nil {
		return crosschain.SignatureEntry{}, errors.New("-message is required")
	}
	var msg crosschain.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return crosschain.SignatureEntry{}, fmt.Errorf("decode message: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return crosschain.SignatureEntry{}, err
	}
	return crosschain.Sign(key, &msg, setIndex, index)
}
