package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ishtarservices/TheWired-sub000/errors"
	"github.com/ishtarservices/TheWired-sub000/nostr"
	"github.com/ishtarservices/TheWired-sub000/store"
)

func newStatsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print record counts and limits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := g.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			profiles, err := st.CountProfiles()
			if err != nil {
				return err
			}
			cfg := st.Config()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "events:       %s of %s\n", humanize.Comma(int64(st.Count())), humanize.Comma(int64(cfg.MaxRecords)))
			fmt.Fprintf(out, "profiles:     %s\n", humanize.Comma(int64(profiles)))
			fmt.Fprintf(out, "event ttl:    %s\n", cfg.EventTTL)
			fmt.Fprintf(out, "profile ttl:  %s\n", cfg.ProfileTTL)
			return nil
		},
	}
}

func newEvictCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "evict",
		Short: "Run one eviction pass now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := g.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			res, err := st.RunEviction()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s records (expired %s, profiles %s, over capacity %s) in %s, %s remaining\n",
				humanize.Comma(int64(res.Total())),
				humanize.Comma(int64(res.Expired)),
				humanize.Comma(int64(res.Profiles)),
				humanize.Comma(int64(res.Capacity)),
				res.Duration.Round(time.Millisecond),
				humanize.Comma(int64(st.Count())))
			return nil
		},
	}
}

func newGetCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get <event-id>",
		Short: "Print a stored event as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := g.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			e, err := st.Get(args[0])
			if errors.Is(err, errors.ErrNotFound) {
				return fmt.Errorf("event %s not stored", args[0])
			}
			if err != nil {
				return err
			}
			return printJSON(cmd, e)
		},
	}
}

func newQueryCmd(g *globalFlags) *cobra.Command {
	var (
		index string
		value string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "query",
		Short: "List events from a store index, newest first",
		Example: `  wiredctl query --index by_pubkey --value <hex pubkey> --limit 20
  wiredctl query --index by_kind --value 1
  wiredctl query --index by_group --value <group id>`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch index {
			case store.IndexByKind, store.IndexByPubkey, store.IndexByCreated, store.IndexByKindTime, store.IndexByGroup:
			default:
				return fmt.Errorf("unknown index %q", index)
			}
			if index == store.IndexByCreated && value == "" {
				value = "all"
			}
			if index == store.IndexByKind || index == store.IndexByKindTime {
				if _, err := strconv.Atoi(value); err != nil {
					return fmt.Errorf("kind must be a number: %q", value)
				}
			}

			st, err := g.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			events, err := st.GetByIndex(index, value, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range events {
				fmt.Fprintf(out, "%s  kind %-5d  %s  %s\n", e.ID, e.Kind,
					humanize.Time(time.Unix(e.CreatedAt, 0)), preview(e.Content))
			}
			fmt.Fprintf(out, "%d events\n", len(events))
			return nil
		},
	}
	cmd.Flags().StringVar(&index, "index", store.IndexByCreated, "index name")
	cmd.Flags().StringVar(&value, "value", "", "index value")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events to print")
	return cmd
}

func newProfileCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "profile <pubkey>",
		Short: "Print the cached profile of a pubkey",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := g.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			rec, err := st.GetProfile(args[0])
			if err != nil {
				return err
			}
			if rec == nil {
				return fmt.Errorf("no cached profile for %s", args[0])
			}
			return printJSON(cmd, rec)
		},
	}
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a secret key and print it with its public key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret, err := nostr.GenerateKey()
			if err != nil {
				return err
			}
			signer, err := nostr.NewKeySigner(secret)
			if err != nil {
				return err
			}
			pubkey, err := signer.PublicKey(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "secret: %s\n", secret)
			fmt.Fprintf(out, "pubkey: %s\n", pubkey)
			return nil
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func preview(s string) string {
	const max = 60
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}
