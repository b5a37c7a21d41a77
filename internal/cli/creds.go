package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"ticketgrab/internal/app"
	"ticketgrab/internal/ticket/model"
)

func newCredsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "creds",
		Short: "Manage stored login cookies",
	}
	cmd.AddCommand(newCredsImportCmd(g))
	cmd.AddCommand(newCredsDeleteCmd(g))
	return cmd
}

func newCredsImportCmd(g *globals) *cobra.Command {
	var userID string
	c := &cobra.Command{
		Use:   "import <cookies.json>",
		Short: "Store cookies exported from a logged-in browser session",
		Long: "Accepts either a flat {\"name\": \"value\"} object or a browser export\n" +
			"array of {\"name\": ..., \"value\": ...} objects.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			creds, err := parseCookies(raw)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}

			ctx := cmd.Context()
			o, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer o.Close()

			if err := o.Store.PutCredentials(ctx, userID, creds); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %d cookie(s) for %s\n", len(creds), userID)
			return nil
		},
	}
	c.Flags().StringVar(&userID, "user", app.Hostname(), "owner user id")
	return c
}

func newCredsDeleteCmd(g *globals) *cobra.Command {
	var userID string
	c := &cobra.Command{
		Use:   "delete",
		Short: "Forget the stored cookies of a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			o, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer o.Close()

			if err := o.Store.DeleteCredentials(ctx, userID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "credentials of %s deleted\n", userID)
			return nil
		},
	}
	c.Flags().StringVar(&userID, "user", app.Hostname(), "owner user id")
	return c
}

func parseCookies(raw []byte) (model.Credentials, error) {
	flat := map[string]string{}
	if err := json.Unmarshal(raw, &flat); err == nil {
		return cleanCookies(flat)
	}
	var list []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("want a cookie object or array: %w", err)
	}
	for _, c := range list {
		flat[c.Name] = c.Value
	}
	return cleanCookies(flat)
}

func cleanCookies(in map[string]string) (model.Credentials, error) {
	out := model.Credentials{}
	for k, v := range in {
		if k = strings.TrimSpace(k); k != "" {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no cookies")
	}
	return out, nil
}
