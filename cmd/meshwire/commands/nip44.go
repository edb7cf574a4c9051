package commands

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/WebFirstLanguage/meshwire/pkg/crypto"
)

func nip44Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nip44",
		Short: "Relay payload encryption with secp256k1 keys",
	}
	cmd.AddCommand(nip44KeygenCmd(), nip44EncryptCmd(), nip44DecryptCmd())
	return cmd
}

func nip44KeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a secp256k1 key pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, pub, err := crypto.GenerateKeyPair()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Private key: %x\n", priv)
			fmt.Fprintf(out, "Public key:  %x\n", pub)
			return nil
		},
	}
}

func nip44EncryptCmd() *cobra.Command {
	var to, key string

	cmd := &cobra.Command{
		Use:   "encrypt <plaintext>",
		Short: "Encrypt plaintext for a recipient public key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := decodeKeys(to, key)
			if err != nil {
				return err
			}
			ct, err := crypto.EncryptNIP44(args[0], pub, priv)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ct)
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "recipient x-only public key (hex)")
	cmd.Flags().StringVar(&key, "key", "", "sender private key (hex)")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func nip44DecryptCmd() *cobra.Command {
	var from, key string

	cmd := &cobra.Command{
		Use:   "decrypt <ciphertext>",
		Short: "Decrypt a v2 ciphertext from a sender public key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := decodeKeys(from, key)
			if err != nil {
				return err
			}
			pt, err := crypto.DecryptNIP44(args[0], pub, priv)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), pt)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "sender x-only public key (hex)")
	cmd.Flags().StringVar(&key, "key", "", "recipient private key (hex)")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func decodeKeys(pubHex, privHex string) (pub, priv []byte, err error) {
	pub, err = hex.DecodeString(pubHex)
	if err != nil || !crypto.IsValidPublicKey(pub) {
		return nil, nil, crypto.ErrInvalidPublicKey
	}
	priv, err = hex.DecodeString(privHex)
	if err != nil || !crypto.IsValidPrivateKey(priv) {
		return nil, nil, crypto.ErrInvalidPrivateKey
	}
	return pub, priv, nil
}
