package main

import (
	"github.com/spf13/cobra"
)

var rotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Ask the running master to rotate its session key",
	Long: `Write the rotation dropfile into the master cache dir. The master
picks it up on its next maintenance tick.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadMasterConfig(cmd)
		if err != nil {
			return err
		}
		return requestRotation(cfg)
	},
}
