package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pricepulse/internal/models"
	"pricepulse/internal/store"
)

// withStore opens the record store for a one-shot management command.
func withStore(app *App, fn func(ctx context.Context, s store.Store) error) error {
	db, err := store.NewSQLiteStore(app.Config.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(context.Background(), db)
}

func newAlertCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alert",
		Short: "Manage price alerts",
	}

	var owner string
	list := &cobra.Command{
		Use:   "list",
		Short: "List alerts for an owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(app, func(ctx context.Context, s store.Store) error {
				alerts, err := s.GetAlertsByOwner(ctx, owner)
				if err != nil {
					return err
				}
				for _, a := range alerts {
					status := "active"
					if !a.Active {
						status = "triggered"
					}
					fmt.Printf("%s  %-10s %-5s %10.2f  %s\n", a.ID, a.Symbol, a.Direction, a.Threshold, status)
				}
				return nil
			})
		},
	}
	list.Flags().StringVar(&owner, "owner", "default", "owner id")

	add := &cobra.Command{
		Use:   "add <symbol> <above|below> <threshold>",
		Short: "Create a price alert",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			direction := models.AlertDirection(args[1])
			if direction != models.DirectionAbove && direction != models.DirectionBelow {
				return fmt.Errorf("direction must be above or below")
			}
			threshold, err := strconv.ParseFloat(args[2], 64)
			if err != nil {
				return fmt.Errorf("invalid threshold %q: %w", args[2], err)
			}
			return withStore(app, func(ctx context.Context, s store.Store) error {
				rule := &models.AlertRule{
					Owner:     owner,
					Symbol:    strings.ToUpper(args[0]),
					Direction: direction,
					Threshold: threshold,
					Active:    true,
				}
				if err := s.SaveAlert(ctx, rule); err != nil {
					return err
				}
				fmt.Printf("alert %s created\n", rule.ID)
				return nil
			})
		},
	}
	add.Flags().StringVar(&owner, "owner", "default", "owner id")

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(app, func(ctx context.Context, s store.Store) error {
				return s.DeleteAlert(ctx, args[0], owner)
			})
		},
	}
	del.Flags().StringVar(&owner, "owner", "default", "owner id")

	cmd.AddCommand(list, add, del)
	return cmd
}

func newDigestCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "digest",
		Short: "Manage recurring digests",
	}

	var (
		owner     string
		frequency string
		destIDs   []string
	)
	add := &cobra.Command{
		Use:   "add <symbol,...>",
		Short: "Create a digest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			freq := models.DigestFrequency(frequency)
			switch freq {
			case models.FrequencyHourly, models.FrequencyDaily, models.FrequencyWeekly:
			default:
				return fmt.Errorf("frequency must be hourly, daily or weekly")
			}
			symbols := splitList(args[0])
			if len(symbols) == 0 {
				return fmt.Errorf("at least one symbol is required")
			}
			return withStore(app, func(ctx context.Context, s store.Store) error {
				now := time.Now()
				d := &models.Digest{
					Owner:          owner,
					Symbols:        symbols,
					Frequency:      freq,
					DestinationIDs: destIDs,
					Active:         true,
					NextRunAt:      now.Add(freq.Cadence()),
				}
				if err := s.SaveDigest(ctx, d); err != nil {
					return err
				}
				fmt.Printf("digest %s created, first run %s\n", d.ID, d.NextRunAt.Format(time.RFC3339))
				return nil
			})
		},
	}
	add.Flags().StringVar(&owner, "owner", "default", "owner id")
	add.Flags().StringVar(&frequency, "frequency", "daily", "hourly, daily or weekly")
	add.Flags().StringSliceVar(&destIDs, "destination", nil, "restrict to destination ids")

	list := &cobra.Command{
		Use:   "list",
		Short: "List digests for an owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(app, func(ctx context.Context, s store.Store) error {
				digests, err := s.GetDigestsByOwner(ctx, owner)
				if err != nil {
					return err
				}
				for _, d := range digests {
					fmt.Printf("%s  %-7s next=%s  %s\n", d.ID, d.Frequency,
						d.NextRunAt.Format(time.RFC3339), strings.Join(d.Symbols, ","))
				}
				return nil
			})
		},
	}
	list.Flags().StringVar(&owner, "owner", "default", "owner id")

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a digest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(app, func(ctx context.Context, s store.Store) error {
				return s.DeleteDigest(ctx, args[0], owner)
			})
		},
	}
	del.Flags().StringVar(&owner, "owner", "default", "owner id")

	cmd.AddCommand(add, list, del)
	return cmd
}

func newDestinationCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "destination",
		Short: "Manage delivery destinations",
	}

	var (
		owner    string
		label    string
		purposes []string
	)
	add := &cobra.Command{
		Use:   "add <webhook|email> <target>",
		Short: "Create a destination",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := models.DestinationKind(args[0])
			if kind != models.KindWebhook && kind != models.KindEmail {
				return fmt.Errorf("kind must be webhook or email")
			}
			ps := make([]models.DestinationPurpose, 0, len(purposes))
			for _, p := range purposes {
				purpose := models.DestinationPurpose(p)
				if purpose != models.PurposeAlert && purpose != models.PurposeDigest {
					return fmt.Errorf("purpose must be alert or digest")
				}
				ps = append(ps, purpose)
			}
			return withStore(app, func(ctx context.Context, s store.Store) error {
				dest := &models.Destination{
					Owner:    owner,
					Label:    label,
					Kind:     kind,
					Target:   args[1],
					Purposes: ps,
					Active:   true,
				}
				if err := s.SaveDestination(ctx, dest); err != nil {
					return err
				}
				fmt.Printf("destination %s created\n", dest.ID)
				return nil
			})
		},
	}
	add.Flags().StringVar(&owner, "owner", "default", "owner id")
	add.Flags().StringVar(&label, "label", "", "display label")
	add.Flags().StringSliceVar(&purposes, "purpose", []string{"alert", "digest"}, "alert and/or digest")

	list := &cobra.Command{
		Use:   "list",
		Short: "List destinations for an owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(app, func(ctx context.Context, s store.Store) error {
				dests, err := s.GetDestinationsByOwner(ctx, owner)
				if err != nil {
					return err
				}
				for _, d := range dests {
					fmt.Printf("%s  %-7s %-24s %s\n", d.ID, d.Kind, d.Target, d.Label)
				}
				return nil
			})
		},
	}
	list.Flags().StringVar(&owner, "owner", "default", "owner id")

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a destination",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(app, func(ctx context.Context, s store.Store) error {
				return s.DeleteDestination(ctx, args[0], owner)
			})
		},
	}
	del.Flags().StringVar(&owner, "owner", "default", "owner id")

	cmd.AddCommand(add, list, del)
	return cmd
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, strings.ToUpper(s))
		}
	}
	return out
}
