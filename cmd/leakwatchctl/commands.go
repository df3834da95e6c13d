package main

import (
	"fmt"

	"github.com/SiriusScan/leakwatch/leakwatch/ingest"
	"github.com/SiriusScan/leakwatch/leakwatch/latest"
	"github.com/SiriusScan/leakwatch/leakwatch/postgres"
	"github.com/SiriusScan/leakwatch/leakwatch/rulepack"
	"github.com/spf13/cobra"
)

func backfillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backfill-latest",
		Short: "Recompute is_latest for every scan and audit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			scans, err := latest.ResolveScans(cmd.Context(), db, cfg.BatchSize)
			if err != nil {
				return err
			}
			audits, err := latest.ResolveAudits(cmd.Context(), db, cfg.BatchSize)
			if err != nil {
				return err
			}
			fmt.Printf("✅ scans: %d set, %d unset in %d chunks\n", scans.Set, scans.Unset, scans.Chunks)
			fmt.Printf("✅ audits: %d set, %d unset in %d chunks\n", audits.Set, audits.Unset, audits.Chunks)
			return nil
		},
	}
}

func rulePackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rule-pack",
		Short: "Manage rule packs",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "activate <version>",
		Short: "Make a rule pack the active one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			pack, err := ingest.NewService(db, nil).ActivateRulePack(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("✅ rule pack %s is active\n", pack.Version)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "mark-outdated <version>",
		Short: "Audit OUTDATED the untriaged findings only rule packs up to <version> report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			n, err := ingest.NewService(db, nil).MarkRulePackOutdated(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("✅ %d findings marked OUTDATED\n", n)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored rule packs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			packs, total, err := rulepack.List(cmd.Context(), db, rulepack.Filter{}, 0, 1000)
			if err != nil {
				return err
			}
			for _, p := range packs {
				marker := " "
				if p.Active {
					marker = "*"
				}
				fmt.Printf("%s %s\t%s\n", marker, p.Version, p.Created.Format("2006-01-02"))
			}
			fmt.Printf("%d rule packs\n", total)
			return nil
		},
	})
	return cmd
}

func dbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database utilities",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Verify the database is reachable and migrated",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			var result int
			if err := db.Raw("SELECT 1").Scan(&result).Error; err != nil {
				return fmt.Errorf("failed to execute query: %w", err)
			}
			if !postgres.IsConnected() {
				return fmt.Errorf("connection not marked as initialized")
			}
			for _, m := range postgres.Models() {
				if !db.Migrator().HasTable(m) {
					return fmt.Errorf("table for %T is missing", m)
				}
			}
			fmt.Println("✅ Database is properly connected and migrated")
			return nil
		},
	})
	return cmd
}
