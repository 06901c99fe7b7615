package cli

import (
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/spf13/cobra"

	"TorMesh/internal/core"
	"TorMesh/internal/security"
)

func newKeygenCmd(root *rootOptions) *cobra.Command {
	var force bool
	c := &cobra.Command{
		Use:   "keygen",
		Short: "Создать ключи подписи и идентичность узла",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := root.cfg
			pm, err := core.NewPersistenceManager(cfg.Security.DataDir, false)
			if err != nil {
				return err
			}
			cm, err := security.NewCryptoManager(cfg.Security.SignatureScheme)
			if err != nil {
				return err
			}

			keys, err := pm.LoadSigningKeys(cm.SchemeName())
			switch {
			case err == nil && !force:
				if err := cm.LoadKeys(keys.PrivateKey, keys.PublicKey); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Ключи %s уже существуют (--force для замены)\n", cm.SchemeName())
			case err == nil, errors.Is(err, core.ErrNoSigningKeys):
				pub, priv, err := cm.GenerateKeys()
				if err != nil {
					return err
				}
				if err := pm.SaveSigningKeys(&core.SigningKeys{Scheme: cm.SchemeName(), PublicKey: pub, PrivateKey: priv}); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Созданы ключи %s в %s\n", cm.SchemeName(), pm.GetConfigPath())
			default:
				return err
			}

			id, err := pm.LoadOrCreateIdentity()
			if err != nil {
				return err
			}
			pid, err := peer.IDFromPrivateKey(id)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Отпечаток: %s\n", cm.Fingerprint())
			fmt.Fprintf(cmd.OutOrStdout(), "Peer ID:   %s\n", pid)
			return nil
		},
	}
	c.Flags().BoolVar(&force, "force", false, "заменить существующие ключи подписи")
	return c
}
