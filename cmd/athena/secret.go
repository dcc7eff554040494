package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"athena/internal/infra/config"
)

func newEncryptSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt-secret [value]",
		Short: "Encrypt a config secret with ATHENA_CONFIG_KEY",
		Long: `encrypt-secret prints an "enc:" value for the config file. The value is
read from the argument or, when absent, from the first line of stdin.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			passphrase := os.Getenv("ATHENA_CONFIG_KEY")
			if passphrase == "" {
				return errors.New("ATHENA_CONFIG_KEY is not set")
			}
			value, err := secretValue(cmd, args)
			if err != nil {
				return err
			}
			enc, err := config.EncryptValue(value, passphrase)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enc:%s\n", enc)
			return nil
		},
	}
}

func secretValue(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read secret from stdin: %w", err)
	}
	value := strings.TrimRight(line, "\r\n")
	if value == "" {
		return "", errors.New("empty secret")
	}
	return value, nil
}
