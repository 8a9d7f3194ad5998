package commands

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	sshpkg "golang.org/x/crypto/ssh"

	"github.com/cloudbench/cloudbench/pkg/config"
	"github.com/cloudbench/cloudbench/pkg/stores"
)

func newInitCommand() *cobra.Command {
	var (
		inventoryPath string
		keyPath       string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the database and import the node inventory",
		Long: `Initialize cloudbench: create the database and the deployment folders,
import the node inventory and generate an SSH key for reaching the nodes.

The inventory lists every node of the testbed and, optionally, deployments
that already run on them. Running init again upserts the nodes and skips
deployments whose nodes are already taken.`,
		Example: `  # Initialize with the default cloudbench.yaml and nodes.yaml
  cloudbench init

  # Import another inventory
  cloudbench init --inventory /etc/cloudbench/nodes.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if inventoryPath != "" {
				cfg.Inventory = inventoryPath
			}

			log.Info().
				Str("config", configPath).
				Str("inventory", cfg.Inventory).
				Msg("Initializing cloudbench")

			// Step 1: Create directory structure
			dirs := []string{
				cfg.OpenStack.WorkDir,
				filepath.Dir(cfg.Database.Path),
			}
			for _, dir := range dirs {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", dir, err)
				}
			}
			fmt.Printf("✓ Deployment folders: %s\n", cfg.OpenStack.WorkDir)

			// Step 2: Initialize SQLite database
			store, err := stores.Open(ctx, cfg.Database)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer store.Close()
			fmt.Printf("✓ Initialized SQLite database: %s\n", cfg.Database.Path)

			// Step 3: Import the inventory
			inv, err := config.LoadInventory(cfg.Inventory)
			if err != nil {
				return err
			}
			res, err := inv.Apply(ctx, store, log.Logger)
			if err != nil {
				return err
			}
			fmt.Printf("✓ Imported %d nodes and %d deployments (%d already present)\n",
				res.Nodes, len(res.Deployments), res.Skipped)

			// Step 4: Generate the SSH key used to reach the nodes
			if keyPath == "" {
				keyPath = cfg.SSH.PrivateKeyPath
			}
			if keyPath == "" {
				keyPath = filepath.Join(filepath.Dir(cfg.Database.Path), "keys", "cloudbench-ed25519")
			}
			created, err := ensureKeypair(keyPath)
			if err != nil {
				return err
			}
			if created {
				fmt.Printf("✓ Generated SSH keypair: %s (add %s.pub to the nodes)\n", keyPath, keyPath)
			} else {
				fmt.Printf("✓ SSH keypair already exists: %s\n", keyPath)
			}

			// Step 5: Write the config file if there is none
			if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
				cfg.SSH.PrivateKeyPath = keyPath
				if err := cfg.Save(configPath); err != nil {
					return err
				}
				fmt.Printf("✓ Created config file: %s\n", configPath)
			}

			fmt.Printf("\nNext steps:\n")
			fmt.Printf("  1. Start the server:\n")
			fmt.Printf("     cloudbench serve\n\n")
			fmt.Printf("  2. Reserve a deployment:\n")
			fmt.Printf("     cloudbench deployment reserve --control <node> --compute <node>\n\n")
			return nil
		},
	}

	cmd.Flags().StringVar(&inventoryPath, "inventory", "", "node inventory file (defaults to the configured one)")
	cmd.Flags().StringVar(&keyPath, "ssh-key", "", "private key to create for node access")

	return cmd
}

// ensureKeypair writes an ed25519 keypair to path unless one exists.
func ensureKeypair(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return false, fmt.Errorf("failed to create key directory: %w", err)
	}

	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return false, fmt.Errorf("failed to generate keypair: %w", err)
	}

	privKeyBytes, err := sshpkg.MarshalPrivateKey(privKey, "cloudbench")
	if err != nil {
		return false, fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(privKeyBytes), 0o600); err != nil {
		return false, fmt.Errorf("failed to write private key: %w", err)
	}

	sshPubKey, err := sshpkg.NewPublicKey(pubKey)
	if err != nil {
		return false, fmt.Errorf("failed to create SSH public key: %w", err)
	}
	if err := os.WriteFile(path+".pub", sshpkg.MarshalAuthorizedKey(sshPubKey), 0o644); err != nil {
		return false, fmt.Errorf("failed to write public key: %w", err)
	}
	return true, nil
}
