// Command gensecret prints a random value for SECRET_KEY
package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/nkiryanov/campusauth/internal/service/auth/tokencodec"
)

const defaultSecretBytes = 32

func main() {
	if err := run(os.Stdout, rand.Reader, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error while generating secret key: %v\n", err)
		os.Exit(1)
	}
}

func run(w io.Writer, entropy io.Reader, args []string) error {
	fs := pflag.NewFlagSet("gensecret", pflag.ContinueOnError)
	size := fs.IntP("bytes", "b", defaultSecretBytes, "Random bytes, the secret is twice as long in hex")
	asEnv := fs.Bool("env", false, "Print as a .env line")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *size*2 < tokencodec.MinSecretLength {
		return fmt.Errorf("at least %d bytes are required", tokencodec.MinSecretLength/2)
	}

	b := make([]byte, *size)
	if _, err := io.ReadFull(entropy, b); err != nil {
		return err
	}

	secret := hex.EncodeToString(b)
	if *asEnv {
		secret = "SECRET_KEY=" + secret
	}
	_, err := fmt.Fprintln(w, secret)
	return err
}
