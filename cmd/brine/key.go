package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/cuemby/brine/pkg/config"
	"github.com/cuemby/brine/pkg/master"
	"github.com/cuemby/brine/pkg/security"
	"github.com/cuemby/brine/pkg/types"
	"github.com/spf13/cobra"
)

// Key commands
var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage minion keys on a master",
}

var keyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List minion keys by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, _, err := openMinionKeys(cmd)
		if err != nil {
			return err
		}
		byStatus, err := keys.List()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "STATUS\tMINION")
		for _, status := range types.AllKeyStatuses {
			ids := byStatus[status]
			sort.Strings(ids)
			for _, id := range ids {
				fmt.Fprintf(w, "%s\t%s\n", status, id)
			}
		}
		return w.Flush()
	},
}

var keyAcceptCmd = &cobra.Command{
	Use:   "accept ID",
	Short: "Accept a pending or rejected minion key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, _, err := openMinionKeys(cmd)
		if err != nil {
			return err
		}
		if _, err := keys.Transition(args[0], types.KeyStatusAccepted, master.AcceptFrom...); err != nil {
			return fmt.Errorf("failed to accept %s: %v", args[0], err)
		}
		fmt.Printf("✓ Key accepted: %s\n", args[0])
		return nil
	},
}

var keyRejectCmd = &cobra.Command{
	Use:   "reject ID",
	Short: "Reject a pending or accepted minion key",
	Long: `Reject a minion key. The running master is asked to rotate the
session key so the minion loses access to it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, cfg, err := openMinionKeys(cmd)
		if err != nil {
			return err
		}
		rec, err := keys.Transition(args[0], types.KeyStatusRejected, master.RejectFrom...)
		if err != nil {
			return fmt.Errorf("failed to reject %s: %v", args[0], err)
		}
		fmt.Printf("✓ Key rejected: %s\n", rec.ID)
		return requestRotation(cfg)
	},
}

var keyDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a minion key in any status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, cfg, err := openMinionKeys(cmd)
		if err != nil {
			return err
		}
		if err := keys.Delete(args[0]); err != nil {
			return fmt.Errorf("failed to delete %s: %v", args[0], err)
		}
		fmt.Printf("✓ Key deleted: %s\n", args[0])
		return requestRotation(cfg)
	},
}

var keyFingerCmd = &cobra.Command{
	Use:   "finger ID",
	Short: "Print the fingerprint of a minion key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, _, err := openMinionKeys(cmd)
		if err != nil {
			return err
		}
		rec, err := keys.Status(args[0])
		if err != nil {
			return err
		}
		finger, err := security.Fingerprint(rec.PublicKey)
		if err != nil {
			return err
		}
		fmt.Printf("%s (%s): %s\n", rec.ID, rec.Status, finger)
		return nil
	},
}

func init() {
	keyCmd.AddCommand(keyListCmd)
	keyCmd.AddCommand(keyAcceptCmd)
	keyCmd.AddCommand(keyRejectCmd)
	keyCmd.AddCommand(keyDeleteCmd)
	keyCmd.AddCommand(keyFingerCmd)
}

// openMinionKeys opens the key directories the master would use
func openMinionKeys(cmd *cobra.Command) (*master.MinionKeys, *config.MasterConfig, error) {
	cfg, err := loadMasterConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	root := cfg.PKIDir
	if cfg.ClusterID != "" {
		root = cfg.ClusterPKIDir
	}
	keys, err := master.NewMinionKeys(root)
	if err != nil {
		return nil, nil, err
	}
	return keys, cfg, nil
}

func requestRotation(cfg *config.MasterConfig) error {
	written, err := master.WriteDropfile(cfg.CacheDir, cfg.ID)
	if err != nil {
		return fmt.Errorf("failed to request session key rotation: %v", err)
	}
	if written {
		fmt.Println("✓ Session key rotation requested")
	} else {
		fmt.Println("  Session key rotation already pending")
	}
	return nil
}
