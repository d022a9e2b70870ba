package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"cawnet/cmd/internal/passphrase"
	"cawnet/crypto"
)

var newPassphraseSource = func(opts ...passphrase.Option) *passphrase.Source {
	return passphrase.NewSource(keystorePassEnv, "Keystore passphrase", opts...)
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var out string
	fs.StringVar(&out, "out", "", "write the key to an encrypted keystore file instead of printing it")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if strings.TrimSpace(out) == "" {
		fmt.Fprintf(stdout, "address: %s\nkey: %s\n", key.Address().Hex(), key.Hex())
		return 0
	}
	pass, err := newPassphraseSource(passphrase.WithConfirmation()).Get()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := crypto.SaveToKeystore(out, key, pass); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "address: %s\nkeystore: %s\n", key.Address().Hex(), out)
	return 0
}

func runAddress(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("address", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var keyRef string
	fs.StringVar(&keyRef, "key", "", "hex private key or keystore file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	key, err := loadKey(keyRef)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, key.Address().Hex())
	return 0
}

// loadKey accepts a keystore path or a hex key.
func loadKey(ref string) (*crypto.PrivateKey, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("-key is required")
	}
	if info, err := os.Stat(ref); err == nil && !info.IsDir() {
		pass, err := newPassphraseSource().Get()
		if err != nil {
			return nil, err
		}
		return crypto.LoadFromKeystore(ref, pass)
	}
	return crypto.PrivateKeyFromHex(ref)
}
