// Command credhash derives or verifies a PBKDF2 credential. The password is
// read from the first line of stdin so it never appears in argv.
package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"lecture-chat/internal/config"
	"lecture-chat/internal/credential"
)

type verifyResult struct {
	Valid bool `json:"valid"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr, os.Getenv))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer, getenv func(string) string) int {
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	fs := flag.NewFlagSet("credhash", flag.ContinueOnError)
	fs.SetOutput(stderr)
	envFile := fs.String("env", ".env", "dotenv file with HASH_ITERATIONS and SALT_LENGTH; ignored when absent")
	saltHex := fs.String("salt", "", "hex salt to reuse; a random salt is generated when empty")
	verify := fs.Bool("verify", false, "verify the password against -hash and -salt")
	hashHex := fs.String("hash", "", "stored hex hash, used with -verify")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *envFile != "" {
		if err := loadEnvFile(*envFile); err != nil {
			logger.Error("failed to load env file", "path", *envFile, "err", err)
			return 1
		}
	}

	iterations, saltLength, err := config.LoadHashing(getenv)
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		return 1
	}
	hasher := credential.NewHasher(iterations, saltLength)

	password, err := readPassword(stdin)
	if err != nil {
		logger.Error("failed to read password", "err", err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	if *verify {
		if *hashHex == "" || *saltHex == "" {
			logger.Error("-verify requires -hash and -salt")
			return 2
		}
		ok, err := hasher.Verify(password, credential.Credential{Hash: *hashHex, Salt: *saltHex})
		if err != nil {
			logger.Error("verify failed", "err", err)
			return 1
		}
		if err := enc.Encode(verifyResult{Valid: ok}); err != nil {
			logger.Error("failed to write result", "err", err)
			return 1
		}
		if !ok {
			return 3
		}
		return 0
	}

	cred, err := hasher.Hash(password, *saltHex)
	if err != nil {
		logger.Error("hash failed", "err", err)
		return 1
	}
	if err := enc.Encode(cred); err != nil {
		logger.Error("failed to write result", "err", err)
		return 1
	}
	return 0
}

// loadEnvFile applies the dotenv file at path without overriding variables
// already set in the environment.
func loadEnvFile(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
